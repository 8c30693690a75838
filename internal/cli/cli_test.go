package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studymate/internal/config"
	"studymate/internal/pkg/jwtutil"
	"studymate/internal/rag"
)

func TestTokenCommand(t *testing.T) {
	cfg = &config.Config{Auth: config.AuthConfig{JWTSecret: "s3cret", JWTExpireMinute: 5}}
	logger = zap.NewNop()
	t.Cleanup(func() { cfg, logger = nil, nil })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"token", "--user", "5", "--name", "ada"})
	require.NoError(t, Execute(context.Background()))

	claims, err := jwtutil.ParseToken("s3cret", strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, uint(5), claims.UserID)
	assert.Equal(t, "ada", claims.Username)
}

func TestPrintAnswer(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	printAnswer(cmd, rag.Answer{
		Text:       "ATP.",
		Confidence: 81.4,
		Citations: []rag.Citation{
			{Source: "bio.pdf", Page: 3, Score: 0.91},
			{Source: "notes.txt", Score: 0.5},
			{Source: "bio.pdf", Page: 5, PageEnd: 6, Score: 0.4},
		},
	})
	assert.Equal(t, "ATP.\n\nConfidence: 81%\nSources:\n  [1] bio.pdf, page 3 (0.910)\n  [2] notes.txt (0.500)\n  [3] bio.pdf, pages 5-6 (0.400)\n", out.String())

	out.Reset()
	printAnswer(cmd, rag.Answer{Text: rag.NoInformationAnswer, Citations: []rag.Citation{}})
	assert.Equal(t, rag.NoInformationAnswer+"\n", out.String())
}
