package http_server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/danthegoodman1/gojsonutils"
	"github.com/opensetdb/openset/grid"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/schema"
	"github.com/rs/zerolog"
)

type (
	InsertReqBody struct {
		Rows []InsertRow `json:"rows" validate:"required,min=1,dive"`
	}

	InsertRow struct {
		ID    string         `json:"id" validate:"required"`
		Stamp int64          `json:"stamp" validate:"required"`
		Attr  map[string]any `json:"attr" validate:"required"`
	}

	InsertStats struct {
		RowsQueued    int64 `json:"rows_queued"`
		RowsForwarded int64 `json:"rows_forwarded"`
		TimeMS        int64 `json:"time_ms"`
	}
)

// Insert queues event rows on locally owned partitions and forwards the rest
// to their owning nodes. A forwarded batch arrives with fork=true and is
// applied locally without re-routing.
func (s *HTTPServer) Insert(c *CustomContext) error {
	start := time.Now()
	log := zerolog.Ctx(c.Request().Context())

	table, e := s.tableFor(c)
	if e != nil {
		return c.RpcError(e)
	}

	var reqBody InsertReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	isFork := c.QueryParam("fork") == "true"
	cols := table.Columns()
	pm := s.Mapper.PartitionMap()

	local := map[int][]grid.Row{}
	remote := map[int64][]InsertRow{}
	var queued, forwarded int64

	for _, in := range reqBody.Rows {
		flat, err := gojsonutils.Flatten(in.Attr, nil)
		if err != nil {
			return c.RpcError(oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, "error flattening row attributes"))
		}
		flatMap, ok := flat.(map[string]any)
		if !ok {
			return c.RpcError(oserror.New(oserror.ClassQuery, oserror.CodeGeneralError, fmt.Sprintf("got a non flat map: %+v", flat)))
		}

		uuid := grid.HashActor(in.ID)
		partition := grid.PartitionForActor(uuid, pm.PartitionMax())
		owner := pm.Owner(partition)

		if owner != s.Mapper.SelfID && !isFork {
			if owner < 0 {
				return c.RpcError(oserror.RouteError())
			}
			remote[owner] = append(remote[owner], in)
			forwarded++
			continue
		}

		row := grid.Row{
			UUID:   uuid,
			SID:    in.ID,
			Stamp:  in.Stamp,
			Values: map[string]int64{},
			Text:   map[string]string{},
		}
		for name, v := range flatMap {
			col := cols.Get(name)
			if col == nil {
				continue // undeclared attributes are dropped, not errors
			}
			switch col.Type {
			case schema.TypeText:
				text := fmt.Sprintf("%v", v)
				row.Values[name] = grid.HashText(text)
				row.Text[name] = text
			case schema.TypeBool:
				if b, ok := v.(bool); ok && b {
					row.Values[name] = 1
				} else {
					row.Values[name] = 0
				}
			case schema.TypeDouble:
				if f, ok := v.(float64); ok {
					row.Values[name] = schema.ScaleDouble(f)
				}
			default:
				if f, ok := v.(float64); ok {
					row.Values[name] = int64(f)
				}
			}
		}
		local[partition] = append(local[partition], row)
		queued++
	}

	for partition, rows := range local {
		table.GetPartition(partition).QueueRows(rows)
	}

	// forward remote batches with backoff; ingest durability is the
	// client's problem past this point
	for node, rows := range remote {
		payload, err := json.Marshal(InsertReqBody{Rows: rows})
		if err != nil {
			return c.InternalError(err, "error marshalling forwarded rows")
		}
		params := url.Values{}
		params.Set("fork", "true")

		err = backoff.Retry(func() error {
			block, err := s.Mapper.DispatchSync(node, http.MethodPost, c.Request().URL.Path, params, payload)
			if err != nil {
				return err
			}
			if block.Status >= 500 {
				return fmt.Errorf("node %d replied %d", node, block.Status)
			}
			return nil
		}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4))
		if err != nil {
			log.Warn().Err(err).Int64("node", node).Msg("insert forward failed")
			return c.RpcError(oserror.RouteError())
		}
	}

	return c.JSON(http.StatusAccepted, InsertStats{
		RowsQueued:    queued,
		RowsForwarded: forwarded,
		TimeMS:        time.Since(start).Milliseconds(),
	})
}
