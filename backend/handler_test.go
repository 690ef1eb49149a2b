package backend

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/xaya/charon/rpccore"
)

type echoHandler struct{}

func (echoHandler) HandleMethod(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *rpccore.RPCError) {
	return params, nil
}

func TestForwardingWrapperRejectsDisallowedMethod(t *testing.T) {
	w := NewForwardingWrapper(echoHandler{}, NewAllowList([]string{"echo"}))

	if _, rpcErr := w.HandleMethod(context.Background(), "echo", json.RawMessage(`"x"`)); rpcErr != nil {
		t.Fatalf("allowed method was rejected: %v", rpcErr)
	}
	_, rpcErr := w.HandleMethod(context.Background(), "danger", json.RawMessage(`"x"`))
	if rpcErr == nil || rpcErr.Code != rpccore.CodeMethodNotFound {
		t.Fatalf("expected MethodNotFound for a disallowed method, got %v", rpcErr)
	}
}

func TestAllowListEmptyAllowsEverything(t *testing.T) {
	a := NewAllowList(nil)
	if !a.Allows("anything") {
		t.Fatalf("an empty allow list should allow every method")
	}
}

func TestParseMethodSpecFileAppliesExclude(t *testing.T) {
	src := `[
		{"name": "echo", "returns": {"type": "string"}},
		{"name": "error", "returns": {"type": "string"}},
		{"name": "admin", "returns": {"type": "string"}},
		{"name": "stateChanged"}
	]`
	methods, err := ParseMethodSpecFile(strings.NewReader(src), []string{"admin"})
	if err != nil {
		t.Fatalf("ParseMethodSpecFile: %v", err)
	}
	if len(methods) != 2 || methods[0] != "echo" || methods[1] != "error" {
		t.Fatalf("unexpected methods: %v", methods)
	}
}

func TestParseMethodSpecFileRejectsNonArray(t *testing.T) {
	if _, err := ParseMethodSpecFile(strings.NewReader(`{"name":"echo"}`), nil); err == nil {
		t.Fatalf("expected an error for a non-array spec file")
	}
}
