package http_server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oloop"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/schema"
	"github.com/opensetdb/openset/utils"
)

// queryParams are the knobs every query route recognises.
type queryParams struct {
	fork  bool
	debug bool

	trim  int
	order results.Order
	sort  string

	segments    []string
	sessionTime int64 // ms, 0 = table default

	bucket   int64
	forceMin int64
	forceMax int64
}

func (s *HTTPServer) parseParams(c *CustomContext, col *schema.Column) (queryParams, *oserror.Error) {
	qp := queryParams{
		trim:     -1,
		order:    results.Desc,
		forceMin: results.ForceNone,
		forceMax: results.ForceNone,
	}
	qp.fork = c.QueryParam("fork") == "true"
	qp.debug = c.QueryParam("debug") == "true"

	if v := c.QueryParam("trim"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return qp, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad 'trim' param: "+v)
		}
		qp.trim = n
	}
	if v := c.QueryParam("order"); v != "" {
		qp.order = results.ParseOrder(v)
	}
	qp.sort = c.QueryParam("sort")
	if v := c.QueryParam("segments"); v != "" {
		qp.segments = utils.SplitList(v)
	}
	if v := c.QueryParam("session_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return qp, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad 'session_time' param: "+v)
		}
		qp.sessionTime = n * 1000 // seconds on the wire, ms internally
	}

	// bucket/min/max scale once at this boundary and never again; only
	// double columns carry the x10000 fixed-point form
	scaled := func(name string) (int64, bool, *oserror.Error) {
		v := c.QueryParam(name)
		if v == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad '"+name+"' param: "+v)
		}
		if col != nil && col.Type == schema.TypeDouble {
			return schema.ScaleDouble(f), true, nil
		}
		return int64(f), true, nil
	}

	if v, ok, err := scaled("bucket"); err != nil {
		return qp, err
	} else if ok {
		qp.bucket = v
	}
	if v, ok, err := scaled("min"); err != nil {
		return qp, err
	} else if ok {
		qp.forceMin = v
	}
	if v, ok, err := scaled("max"); err != nil {
		return qp, err
	} else if ok {
		qp.forceMax = v
	}

	return qp, nil
}

func (s *HTTPServer) tableFor(c *CustomContext) (*database.Table, *oserror.Error) {
	name := c.Param("table")
	table := s.DB.GetTable(name)
	if table == nil {
		return nil, oserror.New(oserror.ClassConfig, oserror.CodeGeneralConfigError, "table not found: "+name)
	}
	return table, nil
}

func readBody(c *CustomContext) ([]byte, *oserror.Error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "error reading request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "missing query script")
	}
	return body, nil
}

// reservedSortKeys map client aliases onto internal row keys. Merged rows
// only carry the group key, so every alias here currently resolves to
// group-key order; the per-row __uuid/__stamp/__session keys are accepted
// but not ordered distinctly.
var reservedSortKeys = map[string]string{
	"key":     "__key",
	"g":       "__key",
	"person":  "__uuid",
	"people":  "__uuid",
	"stamp":   "__stamp",
	"session": "__session",
}

// resolveSort decides how the originator orders merged rows: by group key
// (reserved aliases included) or by a declared output column.
func resolveSort(sortKey string, macro *query.Macro) (results.SortMode, int, *oserror.Error) {
	if sortKey == "" {
		return results.SortKey, 0, nil
	}
	if _, ok := reservedSortKeys[sortKey]; ok {
		return results.SortKey, 0, nil
	}
	for i, cv := range macro.ColumnVars {
		if cv.Alias == sortKey || cv.Column == sortKey {
			return results.SortColumn, i, nil
		}
	}
	return results.SortNone, 0, oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "sort column not found in query aggregates")
}

func applySort(j *results.JSONResult, mode results.SortMode, col int, order results.Order) {
	switch mode {
	case results.SortKey:
		results.SortByGroup(j, order)
	case results.SortColumn:
		results.SortByColumn(j, order, col)
	}
}

// macroDump renders a compiled query for ?debug=true.
func macroDump(m *query.Macro) string {
	var b strings.Builder
	b.WriteString("compiled query\n")
	for _, cv := range m.ColumnVars {
		fmt.Fprintf(&b, "  column %d: %s (%s) acc=%d type=%s\n", cv.Index, cv.Alias, cv.Column, cv.Acc, cv.Type)
	}
	if m.Filter != nil {
		fmt.Fprintf(&b, "  filter: %s op=%d value=%d\n", m.Filter.Column, m.Filter.Op, m.Filter.Value)
	}
	if m.GroupBy != "" {
		fmt.Fprintf(&b, "  group: %s\n", m.GroupBy)
	}
	if m.Return != nil {
		fmt.Fprintf(&b, "  return: %s acc=%d\n", m.Return.Column, m.Return.Acc)
	}
	if len(m.Segments) > 0 {
		fmt.Fprintf(&b, "  segments: %s\n", strings.Join(m.Segments, ","))
	}
	if m.IsSegment {
		fmt.Fprintf(&b, "  segment: %s ttl=%d refresh=%d\n", m.SegmentName, m.SegmentTTL, m.SegmentRefresh)
	}
	fmt.Fprintf(&b, "  session_time: %d\n", m.SessionTime)
	for name := range m.Marshals {
		fmt.Fprintf(&b, "  marshal: %s\n", name)
	}
	return b.String()
}

// EventQuery is the general scripted query: compile once, fan out, merge.
func (s *HTTPServer) EventQuery(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}
	body, e := readBody(c)
	if e != nil {
		return c.RpcError(e)
	}
	qp, e := s.parseParams(c, nil)
	if e != nil {
		return c.RpcError(e)
	}

	macro, cerr := query.Compile(string(body), table.Columns(), query.ParamsFromQuery(c.QueryParams()))
	if cerr != nil {
		return c.RpcError(cerr)
	}
	if len(qp.segments) > 0 {
		macro.Segments = qp.segments
	}
	macro.SessionTime = qp.sessionTime
	if macro.SessionTime == 0 {
		macro.SessionTime = table.SessionTime
	}

	sortMode, sortCol, e := resolveSort(qp.sort, macro)
	if e != nil {
		return c.RpcError(e)
	}

	if qp.debug {
		return c.String(http.StatusOK, macroDump(macro))
	}

	if qp.fork {
		return s.runFork(c, macro.ResultColumns(), macro.SetCount(), func(shuttle *async.Shuttle[oloop.CellResult], rs *results.ResultSet, instance int) async.Cell {
			return oloop.NewQueryCell(shuttle, table, macro, rs, instance)
		})
	}

	sets, e := s.forkToCluster(http.MethodPost, c.Request().URL.Path, c.QueryParams(), body)
	if e != nil {
		return c.RpcError(e)
	}
	results.MergeLiterals(macro.Literals, sets)
	j := results.SetsToJSON(sets)
	if gc := table.Columns().Get(macro.GroupBy); gc != nil && gc.Type == schema.TypeDouble {
		results.UnscaleGroups(j)
	}
	applySort(j, sortMode, sortCol, qp.order)
	results.Trim(j, qp.trim)
	return c.JSON(http.StatusOK, j)
}

// SegmentQuery compiles @segment sections, registers them with the table,
// and runs them. Segment registration happens on every node since forks
// re-parse the same script.
func (s *HTTPServer) SegmentQuery(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}
	body, e := readBody(c)
	if e != nil {
		return c.RpcError(e)
	}
	qp, e := s.parseParams(c, nil)
	if e != nil {
		return c.RpcError(e)
	}

	var queries []oloop.SegmentQuery
	for _, section := range query.ExtractSections(string(body)) {
		if section.Type != "segment" {
			continue
		}
		if section.Name == "" {
			return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "@segment requires a name"))
		}
		macro, cerr := query.Compile(section.Code, table.Columns(), query.ParamsFromQuery(c.QueryParams()))
		if cerr != nil {
			return c.RpcError(cerr)
		}
		macro.IsSegment = true
		macro.SegmentName = section.Name
		macro.SegmentTTL = int64(section.Flags["ttl"])
		macro.SegmentRefresh = int64(section.Flags["refresh"])
		macro.SessionTime = table.SessionTime

		table.SetSegmentTTL(section.Name, macro.SegmentTTL)
		if macro.SegmentRefresh > 0 {
			table.SetSegmentRefresh(section.Name, macro, macro.SegmentRefresh)
		}
		queries = append(queries, oloop.SegmentQuery{Name: section.Name, Macro: macro})
	}
	if len(queries) == 0 {
		return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "no @segment sections found"))
	}

	if qp.fork {
		return s.runFork(c, oloop.SegmentColumns(), 1, func(shuttle *async.Shuttle[oloop.CellResult], rs *results.ResultSet, instance int) async.Cell {
			return oloop.NewSegmentCell(shuttle, table, queries, rs, instance)
		})
	}

	sets, e := s.forkToCluster(http.MethodPost, c.Request().URL.Path, c.QueryParams(), body)
	if e != nil {
		return c.RpcError(e)
	}
	j := results.SetsToJSON(sets)
	results.SortByGroup(j, qp.order)
	results.Trim(j, qp.trim)
	return c.JSON(http.StatusOK, j)
}

// HistogramQuery runs a script whose per-actor `return` scalar is binned.
func (s *HTTPServer) HistogramQuery(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}
	name := c.Param("name")
	body, e := readBody(c)
	if e != nil {
		return c.RpcError(e)
	}

	macro, cerr := query.Compile(string(body), table.Columns(), query.ParamsFromQuery(c.QueryParams()))
	if cerr != nil {
		return c.RpcError(cerr)
	}
	if macro.UsesMarshal("tally") {
		return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError,
			"histogram queries should not call 'tally'. They should 'return' the value to store."))
	}
	if macro.Return == nil {
		return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError,
			"histogram queries require a 'return' statement"))
	}

	// bucket/min/max scale with the return column's type
	qp, e := s.parseParams(c, table.Columns().Get(macro.Return.Column))
	if e != nil {
		return c.RpcError(e)
	}
	if len(qp.segments) > 0 {
		macro.Segments = qp.segments
	}
	macro.SessionTime = qp.sessionTime
	if macro.SessionTime == 0 {
		macro.SessionTime = table.SessionTime
	}

	if qp.debug {
		return c.String(http.StatusOK, macroDump(macro))
	}

	if qp.fork {
		return s.runFork(c, oloop.HistogramColumns(name), macro.SetCount(), func(shuttle *async.Shuttle[oloop.CellResult], rs *results.ResultSet, instance int) async.Cell {
			return oloop.NewHistogramCell(shuttle, table, macro, qp.bucket, rs, instance)
		})
	}

	sets, e := s.forkToCluster(http.MethodPost, c.Request().URL.Path, c.QueryParams(), body)
	if e != nil {
		return c.RpcError(e)
	}
	results.MergeLiterals(macro.Literals, sets)
	j := results.SetsToJSON(sets)
	results.HistogramFill(j, qp.bucket, qp.forceMin, qp.forceMax)
	if rc := table.Columns().Get(macro.Return.Column); rc != nil && rc.Type == schema.TypeDouble {
		results.UnscaleGroups(j)
	}
	results.SortByGroup(j, results.Asc)
	results.Trim(j, qp.trim)
	return c.JSON(http.StatusOK, j)
}

// columnFilter turns the query string into a coerced ColumnQueryConfig.
// Every value is converted to stored form here, exactly once.
func columnFilter(c *CustomContext, col *schema.Column, qp queryParams) (oloop.ColumnQueryConfig, *oserror.Error) {
	cfg := oloop.ColumnQueryConfig{
		Name:     col.Name,
		Type:     col.Type,
		Mode:     oloop.ModeAll,
		Bucket:   qp.bucket,
		Segments: qp.segments,
	}

	coerce := func(raw string) (int64, *oserror.Error) {
		switch col.Type {
		case schema.TypeDouble:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return 0, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad filter value: "+raw)
			}
			return schema.ScaleDouble(f), nil
		case schema.TypeBool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return 0, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad filter value: "+raw)
			}
			if b {
				return 1, nil
			}
			return 0, nil
		case schema.TypeText:
			return grid.HashText(raw), nil
		default:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return 0, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad filter value: "+raw)
			}
			return n, nil
		}
	}

	modes := []struct {
		param string
		mode  oloop.ColumnQueryMode
	}{
		{"eq", oloop.ModeEq},
		{"gt", oloop.ModeGt},
		{"gte", oloop.ModeGte},
		{"lt", oloop.ModeLt},
		{"lte", oloop.ModeLte},
	}
	for _, m := range modes {
		if v := c.QueryParam(m.param); v != "" {
			low, err := coerce(v)
			if err != nil {
				return cfg, err
			}
			cfg.Mode = m.mode
			cfg.Low = low
		}
	}

	if v := c.QueryParam("between"); v != "" {
		and := c.QueryParam("and")
		if and == "" {
			return cfg, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError,
				"column query using 'between' requires an 'and' param")
		}
		low, err := coerce(v)
		if err != nil {
			return cfg, err
		}
		high, err := coerce(and)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = oloop.ModeBetween
		cfg.Low = low
		cfg.High = high
	}

	if v := c.QueryParam("rx"); v != "" {
		rx, err := regexp.Compile(v)
		if err != nil {
			return cfg, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError,
				"could not compile regular express: "+v)
		}
		cfg.Mode = oloop.ModeRx
		cfg.Rx = rx
	}
	if v := c.QueryParam("sub"); v != "" {
		cfg.Mode = oloop.ModeSub
		cfg.Sub = v
	}

	if col.Type == schema.TypeText {
		switch cfg.Mode {
		case oloop.ModeAll, oloop.ModeRx, oloop.ModeSub, oloop.ModeEq:
		default:
			return cfg, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError,
				"text columns only support eq, rx and sub filters")
		}
	} else if cfg.Mode == oloop.ModeRx || cfg.Mode == oloop.ModeSub {
		return cfg, oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError,
			"rx and sub filters require a text column")
	}

	return cfg, nil
}

// ColumnQuery is a scriptless per-column distribution: distinct values per
// actor, counted, filtered, optionally bucketed.
func (s *HTTPServer) ColumnQuery(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}
	name := c.Param("name")
	col := table.Columns().Get(name)
	if col == nil {
		return c.RpcError(oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "column not found: "+name))
	}
	qp, e := s.parseParams(c, col)
	if e != nil {
		return c.RpcError(e)
	}

	cfg, e := columnFilter(c, col, qp)
	if e != nil {
		return c.RpcError(e)
	}

	if qp.fork {
		setCount := 1
		if len(cfg.Segments) > 0 {
			setCount = len(cfg.Segments)
		}
		return s.runFork(c, oloop.ColumnColumns(), setCount, func(shuttle *async.Shuttle[oloop.CellResult], rs *results.ResultSet, instance int) async.Cell {
			return oloop.NewColumnCell(shuttle, table, cfg, rs, instance)
		})
	}

	sets, e := s.forkToCluster(c.Request().Method, c.Request().URL.Path, c.QueryParams(), nil)
	if e != nil {
		return c.RpcError(e)
	}
	j := results.SetsToJSON(sets)
	if col.Type == schema.TypeDouble {
		results.UnscaleGroups(j)
	}
	results.SortByGroup(j, qp.order)
	results.Trim(j, qp.trim)
	return c.JSON(http.StatusOK, j)
}

// PersonQuery routes a single-actor drill-down to the owning node and runs
// it there, on the one partition holding the actor.
func (s *HTTPServer) PersonQuery(c *CustomContext) error {
	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}

	var uuid int64
	switch {
	case c.QueryParam("id") != "":
		n, err := strconv.ParseInt(c.QueryParam("id"), 10, 64)
		if err != nil {
			return c.RpcError(oserror.New(oserror.ClassQuery, oserror.CodeSyntaxError, "bad 'id' param"))
		}
		uuid = n
	case c.QueryParam("sid") != "":
		uuid = grid.HashActor(c.QueryParam("sid"))
	default:
		return c.RpcError(oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "person lookup requires an 'id' or 'sid' param"))
	}

	pm := s.Mapper.PartitionMap()
	partition := grid.PartitionForActor(uuid, pm.PartitionMax())
	owner := pm.Owner(partition)
	if owner < 0 {
		return c.RpcError(oserror.RouteError())
	}

	if owner != s.Mapper.SelfID {
		block, err := s.Mapper.DispatchSync(owner, http.MethodGet, c.Request().URL.Path, c.QueryParams(), nil)
		if err != nil {
			return c.RpcError(oserror.RouteError())
		}
		return c.forwardBlock(block)
	}

	loop := s.Pool.GetPartition(partition)
	if loop == nil {
		return c.RpcError(oserror.RouteError())
	}

	done := make(chan oloop.PersonResult, 1)
	shuttle := async.NewShuttle[oloop.PersonResult](1, func(responses []oloop.PersonResult) {
		done <- responses[0]
	})
	loop.QueueCell(oloop.NewPersonCell(shuttle, table, uuid))

	r := <-done
	if r.Err != nil {
		return c.RpcError(r.Err)
	}
	return c.Blob(http.StatusOK, "application/json", r.JSON)
}
