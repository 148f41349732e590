// Package qdrant stores message embeddings as Qdrant points. Each point id is
// the message id, and the payload carries the chat, owner and role so searches
// can be narrowed server side.
package qdrant

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryembed "github.com/chirino/chat-service/internal/registry/embed"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registryvector "github.com/chirino/chat-service/internal/registry/vector"
	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	keyMessage = "message_id"
	keyChat    = "chat_id"
	keyUser    = "user_id"
	keyRole    = "role"
	keyModel   = "model"
)

func init() {
	registryvector.Register(registryvector.Plugin{Name: "qdrant", Loader: load})
	registrymigrate.Register(registrymigrate.Plugin{Order: 200, Migrator: migrator{}})
}

// collection names the Qdrant collection for the configured embedder and the
// vector size it must be created with.
type collection struct {
	Name string
	Size uint64
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// collectionFor asks the configured embedder for its model and dimension so a
// model change lands in a fresh collection instead of mixing vector spaces.
func collectionFor(ctx context.Context, cfg *config.Config) (collection, error) {
	loader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return collection{}, err
	}
	embedder, err := loader(ctx)
	if err != nil {
		return collection{}, err
	}
	if embedder.Dimension() <= 0 {
		return collection{}, fmt.Errorf("embedder %q has no vector dimension", cfg.EmbedType)
	}
	c := collection{Size: uint64(embedder.Dimension())}
	if name := strings.TrimSpace(cfg.QdrantCollectionName); name != "" {
		c.Name = name
		return c, nil
	}

	prefix := strings.TrimSpace(cfg.QdrantCollectionPrefix)
	if prefix == "" {
		prefix = "chat-service"
	}
	slug := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(embedder.ModelName()), "-"), "-")
	if dim := strconv.Itoa(embedder.Dimension()); !strings.HasSuffix(slug, "-"+dim) {
		slug += "-" + dim
	}
	c.Name = prefix + "_" + slug
	return c, nil
}

func dial(cfg *config.Config) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.QdrantUseTLS {
		creds = credentials.NewTLS(nil)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if key := strings.TrimSpace(cfg.QdrantAPIKey); key != "" {
		opts = append(opts, grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, callOpts...)
		}))
	}
	conn, err := grpc.NewClient(cfg.QdrantAddress(), opts...)
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect %s: %w", cfg.QdrantAddress(), err)
	}
	return conn, nil
}

type migrator struct{}

func (migrator) Name() string { return "qdrant" }

// Migrate creates the collection and its payload indexes when missing.
func (m migrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.VectorType != "qdrant" || !cfg.VectorMigrateAtStart {
		return nil
	}
	target, err := collectionFor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("qdrant migrate: %w", err)
	}
	conn, err := dial(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.QdrantStartupTimeout)
	defer cancel()

	collections := pb.NewCollectionsClient(conn)
	exists, err := collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: target.Name})
	if err != nil {
		return fmt.Errorf("qdrant migrate: %w", err)
	}
	if exists.GetResult().GetExists() {
		log.Debug("Qdrant collection present", "name", target.Name)
		return nil
	}

	_, err = collections.Create(ctx, &pb.CreateCollection{
		CollectionName: target.Name,
		VectorsConfig: &pb.VectorsConfig{Config: &pb.VectorsConfig_Params{
			Params: &pb.VectorParams{Size: target.Size, Distance: pb.Distance_Cosine},
		}},
	})
	if err != nil {
		return fmt.Errorf("qdrant migrate: create %s: %w", target.Name, err)
	}

	points := pb.NewPointsClient(conn)
	for _, field := range []string{keyChat, keyUser} {
		_, err := points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: target.Name,
			FieldName:      field,
			FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant migrate: index %s: %w", field, err)
		}
	}
	log.Info("Created Qdrant collection", "name", target.Name, "size", target.Size)
	return nil
}

func load(ctx context.Context) (registryvector.VectorStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("qdrant: missing config in context")
	}
	target, err := collectionFor(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}
	conn, err := dial(cfg)
	if err != nil {
		return nil, err
	}
	return &QdrantStore{
		conn:       conn,
		points:     pb.NewPointsClient(conn),
		service:    pb.NewQdrantClient(conn),
		collection: target.Name,
	}, nil
}

type QdrantStore struct {
	conn       *grpc.ClientConn
	points     pb.PointsClient
	service    pb.QdrantClient
	collection string
}

func (s *QdrantStore) Name() string { return "qdrant" }

func (s *QdrantStore) Ping(ctx context.Context) error {
	_, err := s.service.HealthCheck(ctx, &pb.HealthCheckRequest{})
	return err
}

func (s *QdrantStore) Close() error { return s.conn.Close() }

func (s *QdrantStore) Upsert(ctx context.Context, entries []registryvector.UpsertRequest) error {
	if len(entries) == 0 {
		return nil
	}
	batch := make([]*pb.PointStruct, 0, len(entries))
	for _, e := range entries {
		batch = append(batch, &pb.PointStruct{
			Id:      pb.NewIDUUID(e.MessageID.String()),
			Vectors: pb.NewVectorsDense(e.Embedding),
			Payload: pb.NewValueMap(map[string]any{
				keyMessage: e.MessageID.String(),
				keyChat:    e.ChatID.String(),
				keyUser:    e.UserID,
				keyRole:    string(e.Role),
				keyModel:   e.ModelName,
			}),
		})
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           pb.PtrOf(true),
		Points:         batch,
	})
	return err
}

func (s *QdrantStore) Search(ctx context.Context, embedding []float32, filter registryvector.Filter, limit int) ([]registryvector.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         embedding,
		Limit:          uint64(limit),
		Filter:         toFilter(filter),
		WithPayload:    pb.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	hits := make([]registryvector.SearchResult, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		payload := point.GetPayload()
		messageID, err := uuid.Parse(payload[keyMessage].GetStringValue())
		if err != nil {
			log.Warn("qdrant: point has no message id", "point", point.GetId().GetUuid())
			continue
		}
		chatID, _ := uuid.Parse(payload[keyChat].GetStringValue())
		hits = append(hits, registryvector.SearchResult{
			MessageID: messageID,
			ChatID:    chatID,
			Role:      model.Role(payload[keyRole].GetStringValue()),
			Score:     float64(point.GetScore()),
		})
	}
	return hits, nil
}

func (s *QdrantStore) DeleteByChatID(ctx context.Context, chatID uuid.UUID) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           pb.PtrOf(true),
		Points: pb.NewPointsSelectorFilter(&pb.Filter{
			Must: []*pb.Condition{pb.NewMatchKeyword(keyChat, chatID.String())},
		}),
	})
	return err
}

func toFilter(filter registryvector.Filter) *pb.Filter {
	var must []*pb.Condition
	if filter.ChatID != nil {
		must = append(must, pb.NewMatchKeyword(keyChat, filter.ChatID.String()))
	}
	if filter.UserID != "" {
		must = append(must, pb.NewMatchKeyword(keyUser, filter.UserID))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}
