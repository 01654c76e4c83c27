package errors_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/c0deZ3R0/go-offline-sync/errors"
)

// TestWrapOpComponent tests the WrapOpComponent helper function
func TestWrapOpComponent(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		op          string
		component   string
		expectedOp  errors.Operation
		expectedComp string
		nilError    bool
	}{
		{
			name:         "nil error returns nil",
			err:          nil,
			op:           "test.Operation",
			component:    "test/component",
			nilError:     true,
		},
		{
			name:         "basic error wrapping",
			err:          fmt.Errorf("underlying error"),
			op:           "test.Operation",
			component:    "test/component",
			expectedOp:   errors.Operation("test.Operation"),
			expectedComp: "test/component",
		},
		{
			name:         "complex operation name",
			err:          fmt.Errorf("database connection failed"),
			op:           "sqlite.Store",
			component:    "storage/sqlite",
			expectedOp:   errors.Operation("sqlite.Store"),
			expectedComp: "storage/sqlite",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errors.WrapOpComponent(tt.err, tt.op, tt.component)
			
			if tt.nilError {
				if result != nil {
					t.Errorf("Expected nil error, got %v", result)
				}
				return
			}

			if result == nil {
				t.Error("Expected wrapped error, got nil")
				return
			}

			// Check if it's a SyncError
			syncErr, ok := result.(*errors.SyncError)
			if !ok {
				t.Errorf("Expected *SyncError, got %T", result)
				return
			}

			if syncErr.Op != tt.expectedOp {
				t.Errorf("Expected Op %s, got %s", tt.expectedOp, syncErr.Op)
			}

			if syncErr.Component != tt.expectedComp {
				t.Errorf("Expected Component %s, got %s", tt.expectedComp, syncErr.Component)
			}

			if syncErr.Err != tt.err {
				t.Errorf("Expected underlying error %v, got %v", tt.err, syncErr.Err)
			}
		})
	}
}

// TestWrapOpComponentKind tests the WrapOpComponentKind helper function
func TestWrapOpComponentKind(t *testing.T) {
	err := fmt.Errorf("test error")
	result := errors.WrapOpComponentKind(err, "test.Op", "test/component", errors.KindInternal)

	if result == nil {
		t.Fatal("Expected wrapped error, got nil")
	}

	syncErr, ok := result.(*errors.SyncError)
	if !ok {
		t.Fatalf("Expected *SyncError, got %T", result)
	}

	if syncErr.Op != "test.Op" {
		t.Errorf("Expected Op 'test.Op', got %s", syncErr.Op)
	}

	if syncErr.Component != "test/component" {
		t.Errorf("Expected Component 'test/component', got %s", syncErr.Component)
	}

	if syncErr.Kind != errors.KindInternal {
		t.Errorf("Expected Kind %s, got %s", errors.KindInternal, syncErr.Kind)
	}

	if syncErr.Err != err {
		t.Errorf("Expected underlying error %v, got %v", err, syncErr.Err)
	}
}

func TestInvalidIsNotRetryable(t *testing.T) {
	err := errors.Invalid("synckit.Create", "synckit", "object id is required")
	assertOpComponentPropagation(t, err, "synckit.Create", "synckit")
	if errors.IsRetryable(err) {
		t.Error("parameter errors must not be retryable")
	}
	if !errors.IsKind(err, errors.KindInvalid) {
		t.Error("expected invalid kind")
	}
}

// assertOpComponentPropagation is a helper function to check that errors have proper Op and Component fields
func assertOpComponentPropagation(t *testing.T, err error, expectedOp, expectedComponent string) {
	t.Helper()

	if err == nil {
		t.Error("Expected error to be non-nil for Op/Component propagation test")
		return
	}

	// Check if it's a SyncError
	syncErr, ok := err.(*errors.SyncError)
	if !ok {
		t.Errorf("Expected *SyncError for proper propagation, got %T: %v", err, err)
		return
	}

	if string(syncErr.Op) != expectedOp {
		t.Errorf("Expected Op '%s', got '%s'", expectedOp, syncErr.Op)
	}

	if syncErr.Component != expectedComponent {
		t.Errorf("Expected Component '%s', got '%s'", expectedComponent, syncErr.Component)
	}

	// Verify the error message contains operation and component information
	errMsg := syncErr.Error()
	if !strings.Contains(errMsg, expectedOp) {
		t.Errorf("Error message should contain operation '%s', got: %s", expectedOp, errMsg)
	}

	if !strings.Contains(errMsg, expectedComponent) {
		t.Errorf("Error message should contain component '%s', got: %s", expectedComponent, errMsg)
	}
}
