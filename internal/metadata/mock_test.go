package metadata

import (
	"context"
	"errors"
	"testing"
)

func TestMockStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	res, err := s.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get missing: %v", err)
	}
	if res.Exists {
		t.Fatal("expected missing key")
	}

	v1, err := s.Put(ctx, "/a", []byte("one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v1 <= 0 {
		t.Errorf("version = %d, want positive", v1)
	}

	res, err = s.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !res.Exists || string(res.Value) != "one" || res.Version != v1 {
		t.Errorf("Get = %+v, want one@%d", res, v1)
	}
}

func TestMockStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()

	// Version 0 means "must not exist".
	v1, err := s.Put(ctx, "/k", []byte("a"), WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Put(ctx, "/k", []byte("b"), WithExpectedVersion(0)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("second create err = %v, want ErrVersionMismatch", err)
	}

	v2, err := s.Put(ctx, "/k", []byte("b"), WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("CAS update: %v", err)
	}
	if _, err := s.Put(ctx, "/k", []byte("c"), WithExpectedVersion(v1)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("stale CAS err = %v, want ErrVersionMismatch", err)
	}

	if err := s.Delete(ctx, "/k", WithDeleteExpectedVersion(v1)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("stale delete err = %v, want ErrVersionMismatch", err)
	}
	if err := s.Delete(ctx, "/k", WithDeleteExpectedVersion(v2)); err != nil {
		t.Errorf("delete: %v", err)
	}
	if err := s.Delete(ctx, "/k"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestMockStore_List(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	for _, k := range []string{"/p/c", "/p/a", "/p/b", "/q/a"} {
		if _, err := s.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	kvs, err := s.List(ctx, "/p/", "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"/p/a", "/p/b", "/p/c"}
	if len(kvs) != len(want) {
		t.Fatalf("List returned %d keys, want %d", len(kvs), len(want))
	}
	for i, kv := range kvs {
		if kv.Key != want[i] {
			t.Errorf("kvs[%d] = %s, want %s", i, kv.Key, want[i])
		}
	}

	kvs, err = s.List(ctx, "/p/b", "/q", 1)
	if err != nil {
		t.Fatalf("List range: %v", err)
	}
	if len(kvs) != 1 || kvs[0].Key != "/p/b" {
		t.Errorf("range List = %+v, want [/p/b]", kvs)
	}
}

func TestMockStore_OnPutSimulatesConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	v, _ := s.Put(ctx, "/k", []byte("a"))

	fired := false
	s.OnPut(func(key string) {
		if fired {
			return
		}
		fired = true
		if _, err := s.Put(ctx, key, []byte("other")); err != nil {
			t.Errorf("competing put: %v", err)
		}
	})

	if _, err := s.Put(ctx, "/k", []byte("mine"), WithExpectedVersion(v)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("err = %v, want ErrVersionMismatch", err)
	}
	if got := s.Puts(); got != 3 {
		t.Errorf("Puts() = %d, want 3", got)
	}
}

func TestMockStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMockStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := s.Get(ctx, "/k"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Get err = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Put(ctx, "/k", nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Put err = %v, want ErrStoreClosed", err)
	}
	if _, err := s.List(ctx, "/", "", 0); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("List err = %v, want ErrStoreClosed", err)
	}
}
