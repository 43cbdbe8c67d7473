package http_server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/query"
	"github.com/opensetdb/openset/utils"
)

// batchRunMax caps concurrent non-segment dispatches within one batch.
const batchRunMax = 4

// batchItem is one inner dispatch of a multi-section script.
type batchItem struct {
	method string
	path   string
	params url.Values
	body   []byte
}

// BatchQuery runs a multi-section script: all @segment sections first,
// sequentially (later sections reference their registry side-effects via
// @use), then the remaining sections with up to batchRunMax concurrent
// self-dispatches. Every inner request goes through the full HTTP path so
// composition rules match a standalone request exactly.
func (s *HTTPServer) BatchQuery(c *CustomContext) error {
	tableName := c.Param("table")
	if s.DB.GetTable(tableName) == nil {
		return c.RpcError(oserror.New(oserror.ClassConfig, oserror.CodeGeneralConfigError, "table not found: "+tableName))
	}
	body, e := readBody(c)
	if e != nil {
		return c.RpcError(e)
	}

	sections := query.ExtractSections(string(body))
	if len(sections) == 0 {
		return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "empty batch script"))
	}

	var (
		segmentText strings.Builder
		items       []batchItem
		useSegments []string
	)

	for _, section := range sections {
		switch section.Type {
		case "segment":
			segmentText.WriteString(sectionHeader(section))
			segmentText.WriteString(section.Code + "\n")
		case "use":
			// @use names the segments the query written beneath it runs in
			useSegments = utils.SplitList(section.Name)
			if strings.TrimSpace(section.Code) == "" {
				continue
			}
			params := url.Values{}
			params.Set("segments", strings.Join(useSegments, ","))
			items = append(items, batchItem{
				method: http.MethodPost,
				path:   "/v1/query/" + tableName + "/event",
				params: params,
				body:   []byte(section.Code),
			})
		case "query", "":
			params := url.Values{}
			if len(useSegments) > 0 {
				params.Set("segments", strings.Join(useSegments, ","))
			}
			items = append(items, batchItem{
				method: http.MethodPost,
				path:   "/v1/query/" + tableName + "/event",
				params: params,
				body:   []byte(section.Code),
			})
		case "histogram":
			if section.Name == "" {
				return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "@histogram requires a name"))
			}
			params := url.Values{}
			if len(useSegments) > 0 {
				params.Set("segments", strings.Join(useSegments, ","))
			}
			if bucket, ok := section.Flags["bucket"]; ok {
				params.Set("bucket", strconv.FormatFloat(bucket, 'f', -1, 64))
			}
			items = append(items, batchItem{
				method: http.MethodPost,
				path:   "/v1/query/" + tableName + "/histogram/" + section.Name,
				params: params,
				body:   []byte(section.Code),
			})
		case "column":
			if section.Name == "" {
				return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "@column requires a name"))
			}
			params := url.Values{}
			if len(useSegments) > 0 {
				params.Set("segments", strings.Join(useSegments, ","))
			}
			if bucket, ok := section.Flags["bucket"]; ok {
				params.Set("bucket", strconv.FormatFloat(bucket, 'f', -1, 64))
			}
			items = append(items, batchItem{
				method: http.MethodGet,
				path:   "/v1/query/" + tableName + "/column/" + section.Name,
				params: params,
			})
		default:
			return c.RpcError(oserror.New(oserror.ClassParse, oserror.CodeSyntaxError, "unknown section type '@"+section.Type+"'"))
		}
	}

	// segments run first, in one sequential dispatch; queries that @use them
	// see the registry side-effects
	if segmentText.Len() > 0 {
		block, err := s.Mapper.DispatchSync(s.Mapper.SelfID, http.MethodPost, "/v1/query/"+tableName+"/segment", nil, []byte(segmentText.String()))
		if err != nil {
			return c.RpcError(oserror.RouteError())
		}
		if e := oserror.FromJSON(block.Data); e != nil {
			return c.RpcError(e)
		}
	}

	replies := make([]json.RawMessage, len(items))
	var firstErr *oserror.Error

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		slots = make(chan struct{}, batchRunMax)
	)
	for i, item := range items {
		wg.Add(1)
		go func(i int, item batchItem) {
			defer wg.Done()
			slots <- struct{}{}
			defer func() { <-slots }()

			block, err := s.Mapper.DispatchSync(s.Mapper.SelfID, item.method, item.path, item.params, item.body)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = oserror.RouteError()
				}
				return
			}
			if e := oserror.FromJSON(block.Data); e != nil {
				if firstErr == nil {
					firstErr = e
				}
				return
			}
			replies[i] = block.Data
		}(i, item)
	}
	wg.Wait()

	if firstErr != nil {
		return c.RpcError(firstErr)
	}
	return c.JSON(http.StatusOK, map[string][]json.RawMessage{"_": replies})
}

// sectionHeader reconstructs an `@segment name flag=value` header line.
func sectionHeader(section query.Section) string {
	var b strings.Builder
	b.WriteString("@" + section.Type)
	if section.Name != "" {
		b.WriteString(" " + section.Name)
	}
	for k, v := range section.Flags {
		fmt.Fprintf(&b, " %s=%s", k, strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteString("\n")
	return b.String()
}
