package expr

import (
	"bytes"
	"encoding/gob"
	"testing"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

func evalSync(t *testing.T, e Expr, env *Env) result.Result[any] {
	t.Helper()
	ch := make(chan result.Result[any], 1)
	e.Eval(env).Run(func(r result.Result[any]) { ch <- r })
	return <-ch
}

func TestConstAndArg(t *testing.T) {
	env := &Env{Args: map[string]any{"x": 42}}
	if r := evalSync(t, Const{Value: "hi"}, env); r.Value() != "hi" {
		t.Fatalf("Const: got %v", r.Value())
	}
	if r := evalSync(t, Arg{Name: "x"}, env); r.Value() != 42 {
		t.Fatalf("Arg: got %v", r.Value())
	}
	if r := evalSync(t, Arg{Name: "missing"}, env); !r.IsError() {
		t.Fatalf("expected KeyError-equivalent for missing arg")
	}
}

func TestEnvNode(t *testing.T) {
	env := &Env{Target: "the-target"}
	if r := evalSync(t, EnvNode{}, env); r.Value() != "the-target" {
		t.Fatalf("Env: got %v", r.Value())
	}
}

func identity(v any) any { return v }

func TestCall(t *testing.T) {
	env := &Env{}
	call := Call{Fn: Const{Value: identity}, Args: []Expr{Const{Value: "payload"}}}
	r := evalSync(t, call, env)
	if r.IsError() || r.Value() != "payload" {
		t.Fatalf("Call: %+v", r)
	}
}

type attrsTarget struct{ inner map[string]any }

func (a attrsTarget) GetAttr(name string) (any, error) { return a.inner[name], nil }

func TestGetAttrGetItem(t *testing.T) {
	env := &Env{}
	target := attrsTarget{inner: map[string]any{"b": 42}}
	expr := GetAttr{Target: Const{Value: target}, Name: "b"}
	if r := evalSync(t, expr, env); r.Value() != 42 {
		t.Fatalf("GetAttr: %+v", r)
	}

	m := map[string]any{"k": "v"}
	item := GetItem{Target: Const{Value: m}, Item: Const{Value: "k"}}
	if r := evalSync(t, item, env); r.Value() != "v" {
		t.Fatalf("GetItem: %+v", r)
	}
}

func TestIf(t *testing.T) {
	env := &Env{}
	e := If{Cond: Const{Value: true}, Then: Const{Value: "yes"}, Else: Const{Value: "no"}}
	if r := evalSync(t, e, env); r.Value() != "yes" {
		t.Fatalf("If true branch: %+v", r)
	}
	e.Cond = Const{Value: false}
	if r := evalSync(t, e, env); r.Value() != "no" {
		t.Fatalf("If false branch: %+v", r)
	}
}

func TestBind(t *testing.T) {
	env := &Env{}
	inner := cont.Map(cont.Unit(5), func(v int) any { return v * 2 })
	e := Bind{Target: Const{Value: inner}}
	if r := evalSync(t, e, env); r.Value() != 10 {
		t.Fatalf("Bind: %+v", r)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	env := &Env{}
	original := If{
		Cond: Const{Value: true},
		Then: Const{Value: "left"},
		Else: Const{Value: "right"},
	}
	before := evalSync(t, original, env)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&original); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded If
	if err := gob.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	after := evalSync(t, decoded, env)
	if before.Value() != after.Value() {
		t.Fatalf("reload(serialize(e)) != e: %v vs %v", before.Value(), after.Value())
	}
}
