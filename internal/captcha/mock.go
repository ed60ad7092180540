package captcha

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MockVerifier stands in for the upstream when the testing bypass is active.
// Every call fabricates a unique ephemeral id so downstream signal collection
// still exercises its real code paths.
type MockVerifier struct {
	// Hostname stamps mock results so persisted rows are identifiable.
	Hostname string
}

// NewMockVerifier returns the bypass verifier.
func NewMockVerifier() *MockVerifier {
	return &MockVerifier{Hostname: "testing-bypass"}
}

// Verify always succeeds with a fresh ephemeral id.
func (m *MockVerifier) Verify(_ context.Context, token, _ string) (*Result, error) {
	return &Result{
		Valid:       true,
		ChallengeTS: time.Now().UTC().Format(time.RFC3339),
		Hostname:    m.Hostname,
		Action:      "testing",
		EphemeralID: fmt.Sprintf("test-%s", uuid.NewString()),
		TokenHash:   HashToken(token),
	}, nil
}
