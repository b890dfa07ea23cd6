package ledger

import (
	"context"
	"testing"

	xerrors "AgentVault/internal/errors"
)

func TestNewMySQLStoreRejectsBlankDSN(t *testing.T) {
	if _, err := NewMySQLStore(context.Background(), "   "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("空 DSN 应返回 INVALID_ARGUMENT，实际 %v", err)
	}
}
