package http_server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/mapper"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	S    *HTTPServer
	PM   *mapper.PartitionMap
	Base string
}

func startNode(t *testing.T, nodeID int64, pm *mapper.PartitionMap) *testNode {
	t.Helper()
	t.Setenv("HTTP_PORT", "0")

	pool := async.NewPool(pm.PartitionMax(), 2)
	pool.Start()
	m := mapper.NewMapper(nodeID, pm)
	db := database.NewDatabase()
	s := StartHTTPServer(db, pool, m)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		pool.Stop()
	})

	port := s.Echo.Listener.Addr().(*net.TCPAddr).Port
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	m.AddRoute(nodeID, base)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.WaitReady(ctx, nodeID))

	return &testNode{S: s, PM: pm, Base: base}
}

// singleNode owns every partition itself.
func singleNode(t *testing.T) *testNode {
	pm := mapper.NewPartitionMap(8)
	for p := 0; p < pm.PartitionMax(); p++ {
		pm.SetOwner(p, 1, mapper.StateActiveOwner)
	}
	return startNode(t, 1, pm)
}

func do(t *testing.T, method, url string, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader([]byte(body)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func createTable(t *testing.T, n *testNode, name string) {
	t.Helper()
	status, body := do(t, http.MethodPut, n.Base+"/v1/table/"+name, `{
		"columns": [
			{"name": "product", "type": "text"},
			{"name": "price", "type": "double"},
			{"name": "qty", "type": "int"},
			{"name": "member", "type": "bool"}
		]
	}`)
	require.Equal(t, http.StatusCreated, status, string(body))
}

func insertRows(t *testing.T, n *testNode, table string, rows string) {
	t.Helper()
	status, body := do(t, http.MethodPost, n.Base+"/v1/insert/"+table, `{"rows":[`+rows+`]}`)
	require.Equal(t, http.StatusAccepted, status, string(body))
}

type jsonRows struct {
	Rows []struct {
		G any   `json:"g"`
		C []any `json:"c"`
	} `json:"_"`
}

type jsonError struct {
	Error struct {
		Class   string `json:"class"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestPing(t *testing.T) {
	n := singleNode(t)
	status, body := do(t, http.MethodGet, n.Base+"/ping", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"pong":true}`, string(body))
}

func TestEventQueryEndToEnd(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "sales")
	insertRows(t, n, "sales", `
		{"id":"alice","stamp":1000,"attr":{"product":"shoes","price":2.5,"qty":1}},
		{"id":"alice","stamp":2000,"attr":{"product":"shoes","price":1.5,"qty":2}},
		{"id":"bob","stamp":1500,"attr":{"product":"socks","price":1.0,"qty":1}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/sales/event?sort=visitors&order=desc", `aggregate:
    count people as visitors
    sum price as revenue
group product`)
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 2)

	byGroup := map[string][]any{}
	for _, r := range j.Rows {
		byGroup[r.G.(string)] = r.C
	}
	require.EqualValues(t, 1, byGroup["shoes"][0])
	require.EqualValues(t, 4.0, byGroup["shoes"][1])
	require.EqualValues(t, 1, byGroup["socks"][0])
	require.EqualValues(t, 1.0, byGroup["socks"][1])
}

func TestEventQueryEmptyCluster(t *testing.T) {
	// table exists but no partition is active anywhere: valid empty result
	pm := mapper.NewPartitionMap(4)
	n := startNode(t, 1, pm)
	createTable(t, n, "empty")

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/empty/event", "aggregate:\n    count people")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Empty(t, j.Rows)
}

func TestEventQueryTrim(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "trimmed")
	insertRows(t, n, "trimmed", `
		{"id":"a","stamp":1,"attr":{"product":"x","qty":1}},
		{"id":"b","stamp":1,"attr":{"product":"y","qty":1}},
		{"id":"c","stamp":1,"attr":{"product":"z","qty":1}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/trimmed/event?trim=2", `aggregate:
    count people
group product`)
	require.Equal(t, http.StatusOK, status, string(body))
	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 2)
}

func TestEventQuerySortAliasNotFound(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "sortless")

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/sortless/event?sort=frobnitz", "aggregate:\n    count people")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "parse", e.Error.Class)
	require.Equal(t, "syntax_error", e.Error.Code)
	require.Equal(t, "sort column not found in query aggregates", e.Error.Message)
}

func TestEventQueryDebugDump(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "dbg")

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/dbg/event?debug=true", `aggregate:
    count people as visitors
match product is 'shoes'`)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), "compiled query")
	require.Contains(t, string(body), "visitors")
}

func TestHistogramRejectsTally(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "hist")

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/hist/histogram/g", "tally('x', 1)")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "parse", e.Error.Class)
	require.Equal(t, "syntax_error", e.Error.Code)
	require.Equal(t, "histogram queries should not call 'tally'. They should 'return' the value to store.", e.Error.Message)
}

func TestHistogramEndToEnd(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "spend")
	insertRows(t, n, "spend", `
		{"id":"a","stamp":1,"attr":{"qty":3}},
		{"id":"b","stamp":1,"attr":{"qty":7}},
		{"id":"c","stamp":1,"attr":{"qty":8}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/spend/histogram/g?bucket=5", "return sum(qty)")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 2) // buckets 0 and 5
	require.EqualValues(t, 0, j.Rows[0].G)
	require.EqualValues(t, 1, j.Rows[0].C[0])
	require.EqualValues(t, 5, j.Rows[1].G)
	require.EqualValues(t, 2, j.Rows[1].C[0])
}

func TestColumnBetweenRequiresAnd(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "cols")

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/cols/column/price?between=10", "")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "query", e.Error.Class)
	require.Equal(t, "syntax_error", e.Error.Code)
	require.Equal(t, "column query using 'between' requires an 'and' param", e.Error.Message)
}

func TestColumnBadRegex(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "rxcols")

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/rxcols/column/product?rx=%5Babc", "")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "query", e.Error.Class)
	require.Equal(t, "syntax_error", e.Error.Code)
	require.Equal(t, "could not compile regular express: [abc", e.Error.Message)
}

func TestColumnDistribution(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "dist")
	insertRows(t, n, "dist", `
		{"id":"a","stamp":1,"attr":{"product":"shoes"}},
		{"id":"b","stamp":1,"attr":{"product":"shoes"}},
		{"id":"c","stamp":1,"attr":{"product":"socks"}}`)

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/dist/column/product", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	byGroup := map[string]any{}
	for _, r := range j.Rows {
		byGroup[r.G.(string)] = r.C[0]
	}
	require.EqualValues(t, 2, byGroup["shoes"])
	require.EqualValues(t, 1, byGroup["socks"])
}

func TestColumnDistributionDoubleKeys(t *testing.T) {
	// group keys on a double column come back in client form, not the
	// scaled fixed-point form the cells tally with
	n := singleNode(t)
	createTable(t, n, "prices")
	insertRows(t, n, "prices", `
		{"id":"a","stamp":1,"attr":{"price":2.5}},
		{"id":"b","stamp":1,"attr":{"price":2.5}},
		{"id":"c","stamp":1,"attr":{"price":1.0}}`)

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/prices/column/price?order=asc", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 2)
	require.EqualValues(t, 1.0, j.Rows[0].G)
	require.EqualValues(t, 1, j.Rows[0].C[0])
	require.EqualValues(t, 2.5, j.Rows[1].G)
	require.EqualValues(t, 2, j.Rows[1].C[0])
}

func TestHistogramDoubleReturn(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "dspend")
	insertRows(t, n, "dspend", `
		{"id":"a","stamp":1,"attr":{"price":0.5}},
		{"id":"b","stamp":1,"attr":{"price":1.5}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/dspend/histogram/g?bucket=1", "return sum(price)")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 2)
	require.EqualValues(t, 0.0, j.Rows[0].G)
	require.EqualValues(t, 1.0, j.Rows[1].G)
}

func TestSegmentRegistration(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "segs")
	insertRows(t, n, "segs", `
		{"id":"a","stamp":1,"attr":{"qty":10}},
		{"id":"b","stamp":1,"attr":{"qty":1}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/segs/segment", `@segment heavy ttl=60000 refresh=30000
match qty > 5`)
	require.Equal(t, http.StatusOK, status, string(body))

	def := n.S.DB.GetTable("segs").GetSegment("heavy")
	require.NotNil(t, def)
	require.EqualValues(t, 60000, def.TTL)
	require.EqualValues(t, 30000, def.Refresh)
	require.NotNil(t, def.Macro)
	require.True(t, def.Macro.IsSegment)
	require.Equal(t, "heavy", def.Macro.SegmentName)

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 1)
	require.Equal(t, "heavy", j.Rows[0].G)
	require.EqualValues(t, 1, j.Rows[0].C[0])
}

func TestSegmentedEventQuery(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "members")
	insertRows(t, n, "members", `
		{"id":"a","stamp":1,"attr":{"qty":10,"product":"x"}},
		{"id":"b","stamp":1,"attr":{"qty":1,"product":"x"}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/members/segment", "@segment big\nmatch qty > 5")
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = do(t, http.MethodPost, n.Base+"/v1/query/members/event?segments=big", "aggregate:\n    count people")
	require.Equal(t, http.StatusOK, status, string(body))

	var j jsonRows
	require.NoError(t, json.Unmarshal(body, &j))
	require.Len(t, j.Rows, 1)
	require.EqualValues(t, 1, j.Rows[0].C[0], "only the segment member counts")
}

func TestBatchQuery(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "batch")
	insertRows(t, n, "batch", `
		{"id":"a","stamp":1,"attr":{"qty":10,"product":"x"}},
		{"id":"b","stamp":1,"attr":{"qty":1,"product":"y"}}`)

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/batch/batch", `@segment big
match qty > 5
@use big
aggregate:
    count people`)
	require.Equal(t, http.StatusOK, status, string(body))

	var outer struct {
		Items []json.RawMessage `json:"_"`
	}
	require.NoError(t, json.Unmarshal(body, &outer))
	require.Len(t, outer.Items, 1)

	var j jsonRows
	require.NoError(t, json.Unmarshal(outer.Items[0], &j))
	require.Len(t, j.Rows, 1)
	require.EqualValues(t, 1, j.Rows[0].C[0])
}

func TestPersonLookupLocal(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "folks")
	insertRows(t, n, "folks", `{"id":"alice","stamp":1000,"attr":{"product":"shoes","price":2.5}}`)

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/folks/person?sid=alice", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var p struct {
		ID     int64  `json:"id"`
		SID    string `json:"sid"`
		Events []struct {
			Stamp  int64          `json:"stamp"`
			Values map[string]any `json:"values"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, grid.HashActor("alice"), p.ID)
	require.Len(t, p.Events, 1)
	require.Equal(t, "shoes", p.Events[0].Values["product"])
	require.EqualValues(t, 2.5, p.Events[0].Values["price"])
}

func TestPersonNotFound(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "nobody")

	status, body := do(t, http.MethodGet, n.Base+"/v1/query/nobody/person?sid=ghost", "")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "person not found", e.Error.Message)
}

func TestForkRouteFailure(t *testing.T) {
	// second node answers with an empty body: the originator must reply
	// route_error rather than partial results
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer empty.Close()

	pm := mapper.NewPartitionMap(4)
	pm.SetOwner(0, 1, mapper.StateActiveOwner)
	pm.SetOwner(1, 2, mapper.StateActiveOwner)

	n := startNode(t, 1, pm)
	n.S.Mapper.AddRoute(2, empty.URL)
	createTable(t, n, "twonode")

	status, body := do(t, http.MethodPost, n.Base+"/v1/query/twonode/event", "aggregate:\n    count people")
	require.Equal(t, http.StatusBadRequest, status)

	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "config", e.Error.Class)
	require.Equal(t, "route_error", e.Error.Code)
	require.Equal(t, "potential node failure - please re-issue the request", e.Error.Message)
}

func TestPersonRoutingAcrossNodes(t *testing.T) {
	uuid := grid.HashActor("alice")
	partitionMax := 8
	alicePart := grid.PartitionForActor(uuid, partitionMax)

	makePM := func() *mapper.PartitionMap {
		pm := mapper.NewPartitionMap(partitionMax)
		for p := 0; p < partitionMax; p++ {
			if p == alicePart {
				pm.SetOwner(p, 2, mapper.StateActiveOwner)
			} else {
				pm.SetOwner(p, 1, mapper.StateActiveOwner)
			}
		}
		return pm
	}

	nodeB := startNode(t, 2, makePM())
	nodeA := startNode(t, 1, makePM())
	nodeA.S.Mapper.AddRoute(2, nodeB.Base)

	createTable(t, nodeA, "routed")
	createTable(t, nodeB, "routed")
	insertRows(t, nodeB, "routed", `{"id":"alice","stamp":500,"attr":{"qty":1}}`)

	// the request lands on A; alice's partition belongs to B
	status, body := do(t, http.MethodGet, nodeA.Base+"/v1/query/routed/person?sid=alice", "")
	require.Equal(t, http.StatusOK, status, string(body))

	var p struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, uuid, p.ID)
}

func TestInsertValidation(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "strict")

	status, _ := do(t, http.MethodPost, n.Base+"/v1/insert/strict", `{"rows":[]}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, n.Base+"/v1/insert/strict", `{"rows":[{"stamp":1,"attr":{}}]}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestTableLifecycle(t *testing.T) {
	n := singleNode(t)
	createTable(t, n, "twice")

	status, _ := do(t, http.MethodPut, n.Base+"/v1/table/twice", `{"columns":[{"name":"x","type":"int"}]}`)
	require.Equal(t, http.StatusBadRequest, status, "duplicate create is rejected")

	status, body := do(t, http.MethodGet, n.Base+"/v1/table/twice", "")
	require.Equal(t, http.StatusOK, status)
	var desc DescribeTableRes
	require.NoError(t, json.Unmarshal(body, &desc))
	require.Equal(t, "twice", desc.Name)
	require.Len(t, desc.Columns, 4)

	status, body = do(t, http.MethodPost, n.Base+"/v1/query/missing/event", "aggregate:\n    count people")
	require.Equal(t, http.StatusBadRequest, status)
	var e jsonError
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "general_config_error", e.Error.Code)

	status, body = do(t, http.MethodGet, n.Base+"/v1/tables", "")
	require.Equal(t, http.StatusOK, status)
	var list struct {
		Tables []string `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, []string{"twice"}, list.Tables)

	status, _ = do(t, http.MethodDelete, n.Base+"/v1/table/twice", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = do(t, http.MethodGet, n.Base+"/v1/table/twice", "")
	require.Equal(t, http.StatusBadRequest, status, "dropped tables are gone")
}
