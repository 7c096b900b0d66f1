package oxia

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dray-io/blobmetrics/internal/metadata"
	"github.com/dray-io/blobmetrics/internal/metadata/keys"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing address", Config{Namespace: "blobmetrics"}, "service address is required"},
		{"missing namespace", Config{ServiceAddress: "localhost:6648"}, "namespace is required"},
		{"valid", Config{ServiceAddress: "localhost:6648", Namespace: "blobmetrics"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := map[string]string{
		"abc":        "abd",
		"a\xff":      "b",
		"\xff\xff":   "",
		"":           "",
		"/p/metrics": "/p/metrict",
	}
	for in, want := range tests {
		if got := prefixEnd(in); got != want {
			t.Errorf("prefixEnd(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("starts an embedded oxia server")
	}
	server := StartTestServer(t)
	store, err := New(context.Background(), Config{
		ServiceAddress: server.Addr(),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CompareAndSwap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := keys.BlobStoreMetricsKey("repo-a")

	res, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Exists {
		t.Fatal("key exists before first write")
	}

	v1, err := store.Put(ctx, key, []byte("one"), metadata.WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v1 < 1 {
		t.Errorf("version = %d, want >= 1", v1)
	}
	if _, err := store.Put(ctx, key, []byte("dup"), metadata.WithExpectedVersion(0)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("second create err = %v, want ErrVersionMismatch", err)
	}

	v2, err := store.Put(ctx, key, []byte("two"), metadata.WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if _, err := store.Put(ctx, key, []byte("stale"), metadata.WithExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("stale CAS err = %v, want ErrVersionMismatch", err)
	}

	res, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(res.Value) != "two" || res.Version != v2 {
		t.Errorf("Get = %q@%d, want two@%d", res.Value, res.Version, v2)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestStore_ListBlobStores(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := store.Put(ctx, keys.BlobStoreMetricsKey(name), []byte(name)); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
	}
	kvs, err := store.List(ctx, keys.MetricsPrefix, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, kv := range kvs {
		if name, err := keys.ParseBlobStoreMetricsKey(kv.Key); err == nil {
			names = append(names, name)
		}
	}
	if strings.Join(names, ",") != "alpha,mid,zeta" {
		t.Errorf("names = %v", names)
	}
}

func TestStore_Closed(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.Get(context.Background(), "/k"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("Get after close err = %v, want ErrStoreClosed", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
