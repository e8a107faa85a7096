package proxy

import (
	"testing"

	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/result"
)

type remote struct {
	Value string
	Items map[string]string
}

func (r *remote) GetItem(item any) (any, error) {
	key, _ := item.(string)
	v, ok := r.Items[key]
	if !ok {
		return nil, errNotFound(key)
	}
	return v, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "no such item: " + string(e) }

func (r *remote) Method() string {
	return r.Value
}

func resolveSync(t *testing.T, p Proxy) result.Result[any] {
	t.Helper()
	ch := make(chan result.Result[any], 1)
	p.Resolve().Run(func(r result.Result[any]) { ch <- r })
	return <-ch
}

func TestProxyFieldItemMethod(t *testing.T) {
	h := hub.New()
	r := &remote{Value: "val", Items: map[string]string{"item": "item_value"}}
	p, _ := Proxify(h, r, nil)
	defer p.Dispose()

	if res := resolveSync(t, p.Field("Value")); res.IsError() || res.Value() != "val" {
		t.Fatalf("Field: %+v", res)
	}

	if res := resolveSync(t, p.Index("item")); res.IsError() || res.Value() != "item_value" {
		t.Fatalf("Index: %+v", res)
	}
	if res := resolveSync(t, p.Index("missing")); !res.IsError() {
		t.Fatalf("expected error indexing a missing item")
	}

	methodCall := p.Field("Method").Call()
	if res := resolveSync(t, methodCall); res.IsError() || res.Value() != "val" {
		t.Fatalf("Method call: %+v", res)
	}
}

func TestProxyDisposeRemovesHandler(t *testing.T) {
	h := hub.New()
	r := &remote{Value: "v", Items: map[string]string{}}
	p, _ := Proxify(h, r, nil)
	if h.Len() != 1 {
		t.Fatalf("expected one registered proxy handler, got %d", h.Len())
	}
	p.Dispose()
	if h.Len() != 0 {
		t.Fatalf("dispose should unregister the proxy handler, len=%d", h.Len())
	}
}
