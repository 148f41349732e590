package generate

import (
	"testing"

	"github.com/chirino/chat-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestSystemWithMemory(t *testing.T) {
	req := Request{System: "be nice"}
	require.Equal(t, "be nice", req.SystemWithMemory())

	req.Memory = []Turn{
		{Role: model.RoleUser, Content: "my dog is Rex"},
		{Role: model.RoleAssistant, Content: "nice name"},
	}
	require.Equal(t, "be nice\n\nRelevant excerpts from earlier conversation:\n- user: my dog is Rex\n- assistant: nice name", req.SystemWithMemory())
}

func TestSelectUnknown(t *testing.T) {
	_, err := Select("does-not-exist")
	require.ErrorContains(t, err, "unknown generator")
}
