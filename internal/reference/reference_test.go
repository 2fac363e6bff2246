package reference_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/exttool/internal/model"
	"github.com/CZERTAINLY/exttool/internal/reference"
)

type opener map[model.LocatorKey][]byte

func (o opener) OpenLocator(_ context.Context, loc model.Locator) (io.ReadCloser, error) {
	b, ok := o[loc.Key()]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestStore(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("from url"))
	}))
	t.Cleanup(srv.Close)

	file := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("from file"), 0o600))

	loc := model.Locator{
		Node:         model.NewNode("worker", 22, "/tmp").Key(),
		SubDirectory: "usecase1",
		FileName:     "out.txt",
	}
	store := reference.New(reference.WithLocatorOpener(opener{loc.Key(): []byte("from node")}))
	ctx := t.Context()

	var testCases = []struct {
		scenario string
		given    reference.Handle
		then     string
		err      bool
	}{
		{"bytes", store.RegisterString("inline"), "inline", false},
		{"url", store.RegisterURL(srv.URL + "/data"), "from url", false},
		{"url not found", store.RegisterURL(srv.URL + "/nope"), "", true},
		{"file url", store.RegisterURL("file://" + file), "from file", false},
		{"locator", store.RegisterLocator(loc), "from node", false},
		{"error", store.RegisterError(errors.New("boom")), "", true},
		{"list", store.RegisterList(store.RegisterString("a")), "", true},
		{"unknown", reference.Handle("nope"), "", true},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			got, err := store.Render(ctx, tt.given)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}

	t.Run("resolve list", func(t *testing.T) {
		a := store.RegisterString("a")
		b := store.RegisterString("b")
		l := store.RegisterList(a, b)
		v, err := store.Resolve(l)
		require.NoError(t, err)
		require.Equal(t, reference.KindList, v.Kind)
		require.Equal(t, []reference.Handle{a, b}, v.Items)
	})

	t.Run("release", func(t *testing.T) {
		h := store.RegisterString("x")
		n := store.Len()
		store.Release(h)
		require.Equal(t, n-1, store.Len())
		_, err := store.Resolve(h)
		require.ErrorIs(t, err, model.ErrUnknownReference)
	})
}

func TestStore_NoOpener(t *testing.T) {
	t.Parallel()
	store := reference.New()
	h := store.RegisterLocator(model.Locator{})
	_, err := store.Open(t.Context(), h)
	require.Error(t, err)
}
