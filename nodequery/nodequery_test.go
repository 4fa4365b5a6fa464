package nodequery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normation/rudder-plugin-datasources/datasource"
	"github.com/Normation/rudder-plugin-datasources/errors"
	"github.com/Normation/rudder-plugin-datasources/fetcher"
	"github.com/Normation/rudder-plugin-datasources/inventory"
)

func testNode() inventory.NodeInfo {
	return inventory.NodeInfo{
		ID:             "node1",
		Hostname:       "web01.example.com",
		PolicyServerID: "root",
		Properties:     map[string]string{"env": "production"},
	}
}

func testPolicyServer() inventory.NodeInfo {
	return inventory.NodeInfo{ID: "root", Hostname: "rudder.example.com"}
}

func testSource(url string) *datasource.HTTPSource {
	return &datasource.HTTPSource{
		URL:            url,
		Path:           "$.location",
		Method:         datasource.MethodGet,
		CheckSSL:       true,
		RequestTimeout: 5 * time.Second,
		Mode:           datasource.RequestMode{Kind: datasource.ModeByNode},
		OnMissing:      datasource.MissingNodeBehavior{Kind: datasource.MissingDelete},
	}
}

func query(t *testing.T, src *datasource.HTTPSource) (*inventory.NodeProperty, error) {
	t.Helper()
	q := New(fetcher.New())
	return q.Query(context.Background(), "dc-location", src, testNode(), testPolicyServer(),
		[]inventory.Parameter{{Name: "cmdb-token", Value: "s3cret"}})
}

func TestQuery_SuccessWritesSelectedValue(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"location":{"rack":"A4","room":"dc2"}}`))
	}))
	defer server.Close()

	src := testSource(server.URL + "/nodes/${node.id}")
	src.Headers = []datasource.Header{{Name: "Authorization", Value: "Bearer ${rudder.param[cmdb-token]}"}}

	prop, err := query(t, src)
	require.NoError(t, err)
	require.NotNil(t, prop)

	assert.Equal(t, "/nodes/node1", gotPath)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "dc-location", prop.Name)
	assert.Equal(t, `{"rack":"A4","room":"dc2"}`, prop.Value)
	assert.Equal(t, inventory.PropertyProvider, prop.Provider)
}

func TestQuery_StringValueStoredBare(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"location":"dc2/A4"}`))
	}))
	defer server.Close()

	prop, err := query(t, testSource(server.URL))
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "dc2/A4", prop.Value)
}

func TestQuery_NoMatchClearsProperty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"other":"field"}`))
	}))
	defer server.Close()

	prop, err := query(t, testSource(server.URL))
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "", prop.Value)
}

func TestQuery_MultipleMatchesKeepFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"location":["first","second"]}`))
	}))
	defer server.Close()

	prop, err := query(t, testSource(server.URL))
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "first", prop.Value)
}

func TestQuery_MissingNodeBehaviors(t *testing.T) {
	notFound := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
	}

	t.Run("delete writes empty value", func(t *testing.T) {
		server := notFound()
		defer server.Close()

		src := testSource(server.URL)
		src.OnMissing = datasource.MissingNodeBehavior{Kind: datasource.MissingDelete}

		prop, err := query(t, src)
		require.NoError(t, err)
		require.NotNil(t, prop)
		assert.Equal(t, "", prop.Value)
	})

	t.Run("no change leaves node untouched", func(t *testing.T) {
		server := notFound()
		defer server.Close()

		src := testSource(server.URL)
		src.OnMissing = datasource.MissingNodeBehavior{Kind: datasource.MissingNoChange}

		prop, err := query(t, src)
		require.NoError(t, err)
		assert.Nil(t, prop)
	})

	t.Run("default value string stored bare", func(t *testing.T) {
		server := notFound()
		defer server.Close()

		src := testSource(server.URL)
		src.OnMissing = datasource.MissingNodeBehavior{
			Kind:  datasource.MissingDefaultValue,
			Value: []byte(`"unknown"`),
		}

		prop, err := query(t, src)
		require.NoError(t, err)
		require.NotNil(t, prop)
		assert.Equal(t, "unknown", prop.Value)
	})

	t.Run("default value object stored compact", func(t *testing.T) {
		server := notFound()
		defer server.Close()

		src := testSource(server.URL)
		src.OnMissing = datasource.MissingNodeBehavior{
			Kind:  datasource.MissingDefaultValue,
			Value: []byte(`{"status": "down", "since": 0}`),
		}

		prop, err := query(t, src)
		require.NoError(t, err)
		require.NotNil(t, prop)
		assert.Equal(t, `{"status":"down","since":0}`, prop.Value)
	})
}

func TestQuery_HTTPErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := query(t, testSource(server.URL))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "502")
}

func TestQuery_TransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.Close()

	_, err := query(t, testSource(server.URL))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestQuery_InterpolationFailureSkipsFetch(t *testing.T) {
	fetched := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetched = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	src := testSource(server.URL + "/${node.properties[rack]}")

	_, err := query(t, src)
	require.Error(t, err)
	assert.False(t, fetched)
}

func TestQuery_InterpolatedPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"nodes":{"node1":"A4"}}`))
	}))
	defer server.Close()

	src := testSource(server.URL)
	src.Path = "$.nodes.${node.id}"

	prop, err := query(t, src)
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "A4", prop.Value)
}

func TestSelectValue(t *testing.T) {
	q := New(fetcher.New())

	prop, err := q.SelectValue("dc-location", "$.rack", []byte(`{"rack":"A4"}`))
	require.NoError(t, err)
	require.NotNil(t, prop)
	assert.Equal(t, "A4", prop.Value)
	assert.Equal(t, "dc-location", prop.Name)
}
