package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"web/clustermap/cluster"
	"web/clustermap/runner"
)

func newGateway(t *testing.T) http.Handler {
	t.Helper()
	r, err := runner.New(runner.Config{Dir: t.TempDir(), MaxIndexes: 2, Options: cluster.DefaultOptions()}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	runner.Register(s, r)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	client, err := runner.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewGateway(client, GatewayOptions{RateLimit: 100})
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGatewayFlow(t *testing.T) {
	h := newGateway(t)

	w := serve(t, h, http.MethodGet, "/api/clusters?zoom=0", "")
	assert.Equal(t, http.StatusNotFound, w.Code, "no default index yet")

	w = serve(t, h, http.MethodPost, "/api/indexes", `{"numPoints":300,"seed":5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	built := decode[runner.BuildResponse](t, w)

	w = serve(t, h, http.MethodGet, "/api/indexes", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), built.Index.ID)

	w = serve(t, h, http.MethodGet, "/api/clusters?k=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	fc, err := geojson.UnmarshalFeatureCollection(w.Body.Bytes())
	require.NoError(t, err)
	require.NotEmpty(t, fc.Features)

	var total float64
	var clusterID int64 = -1
	for _, f := range fc.Features {
		total += f.Properties.MustFloat64("point_count")
		if f.Properties.MustBool("cluster") && clusterID < 0 {
			clusterID = int64(f.Properties.MustFloat64("cluster_id"))
		}
	}
	assert.Equal(t, 300.0, total)
	require.GreaterOrEqual(t, clusterID, int64(0))

	w = serve(t, h, http.MethodGet, "/api/indexes/"+built.Index.ID+"/clusters/"+itoa(clusterID)+"/leaves?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	leaves := decode[struct {
		Leaves []cluster.Point `json:"leaves"`
	}](t, w)
	assert.Len(t, leaves.Leaves, 2)

	w = serve(t, h, http.MethodGet, "/api/indexes/missing/clusters?zoom=1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = serve(t, h, http.MethodPost, "/api/indexes", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(t, h, http.MethodPost, "/api/indexes/"+built.Index.ID+"/load", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGRPCStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, grpcStatus(status.Error(codes.NotFound, "x")))
	assert.Equal(t, http.StatusBadRequest, grpcStatus(status.Error(codes.InvalidArgument, "x")))
	assert.Equal(t, http.StatusBadGateway, grpcStatus(status.Error(codes.Unavailable, "x")))
	assert.Equal(t, http.StatusInternalServerError, grpcStatus(status.Error(codes.Internal, "x")))
}
