package secrets

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	builderrors "github.com/narvanalabs/buildengine/internal/builder/errors"
	"github.com/narvanalabs/buildengine/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	identity, _, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(Config{Dir: t.TempDir(), Identity: identity}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("stored values decrypt to what was put", prop.ForAll(
		func(name string, value []byte) bool {
			if err := s.Put(ctx, KindSecret, name, value); err != nil {
				t.Logf("Put: %v", err)
				return false
			}
			got, err := s.Get(ctx, KindSecret, name)
			return err == nil && bytes.Equal(got, value)
		},
		gen.RegexMatch(`[a-z]{1,6}(/[a-z0-9-]{1,6}){0,2}`),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestValuesAreEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(context.Background(), KindParameter, "/app/token", []byte("hunter2")); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, "parameters", "app", "token.age"))
	if err != nil {
		t.Fatalf("reading stored file: %v", err)
	}
	if bytes.Contains(raw, []byte("hunter2")) {
		t.Error("plaintext found in stored file")
	}
}

func TestGetMissingAndInvalidNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, KindParameter, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing value: %v", err)
	}
	for _, name := range []string{"", "/", ".."} {
		if err := s.Put(ctx, KindParameter, name, nil); !errors.Is(err, ErrInvalidName) {
			t.Errorf("Put(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	// Names are rooted at the namespace; dot segments cannot climb out.
	if err := s.Put(ctx, KindParameter, "../../outside", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, KindParameter, "outside"); err != nil {
		t.Errorf("cleaned name not stored inside the namespace: %v", err)
	}
	if err := s.Delete(ctx, KindParameter, "outside"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, KindParameter, "outside"); err != nil {
		t.Errorf("deleting a missing value: %v", err)
	}
}

func TestNewStoreRejectsBadIdentity(t *testing.T) {
	_, recipient, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(Config{Dir: t.TempDir(), Identity: recipient}, nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("public key accepted as identity: %v", err)
	}
}

func TestResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Put(ctx, KindParameter, "/ci/region", []byte("eu-west-1")))
	must(s.Put(ctx, KindSecret, "db", []byte(`{"user":"admin","port":5432}`)))
	must(s.Put(ctx, KindSecret, "token", []byte("t0k3n")))

	got, err := s.Resolve(ctx, []models.EnvironmentVariable{
		{Name: "STAGE", Value: "prod"},
		{Name: "REGION", Value: "/ci/region", Type: models.EnvironmentVariableParameterStore},
		{Name: "DB_USER", Value: "db:user", Type: models.EnvironmentVariableSecretsManager},
		{Name: "DB_PORT", Value: "db:port:AWSCURRENT", Type: models.EnvironmentVariableSecretsManager},
		{Name: "TOKEN", Value: "token", Type: models.EnvironmentVariableSecretsManager},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := map[string]string{"STAGE": "prod", "REGION": "eu-west-1", "DB_USER": "admin", "DB_PORT": "5432", "TOKEN": "t0k3n"}
	for _, v := range got {
		if v.Value != want[v.Name] {
			t.Errorf("%s = %q, want %q", v.Name, v.Value, want[v.Name])
		}
		if v.Type != models.EnvironmentVariablePlaintext {
			t.Errorf("%s type = %s", v.Name, v.Type)
		}
	}

	for _, ref := range []string{"missing", "db:password", "token:key"} {
		_, err := s.Resolve(ctx, []models.EnvironmentVariable{{Name: "X", Value: ref, Type: models.EnvironmentVariableSecretsManager}})
		if !builderrors.IsClientError(err) {
			t.Errorf("Resolve(%q) = %v, want a client error", ref, err)
		}
	}
}

func TestRotate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"a", "nested/b"} {
		if err := s.Put(ctx, KindSecret, name, []byte("value-"+name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Put(ctx, KindParameter, "c", []byte("value-c")); err != nil {
		t.Fatal(err)
	}
	before := s.Recipient()

	res, err := s.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if res.Rotated != 3 || len(res.Failed) != 0 {
		t.Errorf("result = %+v", res)
	}
	if s.Recipient() == before {
		t.Error("recipient unchanged after rotation")
	}

	// A store opened with the new identity reads every value.
	reopened, err := NewStore(Config{Dir: s.dir, Identity: res.Identity}, nil)
	if err != nil {
		t.Fatal(err)
	}
	names, err := reopened.List(ctx, KindSecret)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	if strings.Join(names, ",") != "a,nested/b" {
		t.Errorf("List = %v", names)
	}
	for _, name := range names {
		got, err := reopened.Get(ctx, KindSecret, name)
		if err != nil || string(got) != "value-"+name {
			t.Errorf("Get(%s) = %q, %v", name, got, err)
		}
	}
}
