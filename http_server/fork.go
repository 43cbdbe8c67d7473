package http_server

import (
	"net/http"
	"net/url"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/mapper"
	"github.com/opensetdb/openset/oloop"
	"github.com/opensetdb/openset/oserror"
	"github.com/opensetdb/openset/results"
	"github.com/opensetdb/openset/utils"
	"github.com/rs/zerolog"
)

// cellFactory builds one scan cell for a partition loop, handed the shuttle
// to complete and the per-worker result buffer to tally into.
type cellFactory func(shuttle *async.Shuttle[oloop.CellResult], rs *results.ResultSet, instance int) async.Cell

// runFork is the fork side of every query handler: enumerate locally owned
// partitions, allocate one result set per worker, queue one cell per
// partition, and reply a binary blob when the shuttle fires. An empty active
// list replies an empty, valid blob rather than an error.
func (s *HTTPServer) runFork(c *CustomContext, cols []results.Column, setCount int, factory cellFactory) error {
	parts := s.Mapper.PartitionMap().PartitionsByNodeAndState(s.Mapper.SelfID, mapper.StateActiveOwner)
	forkID := utils.GenRandomID("fork_")
	zerolog.Ctx(c.Request().Context()).Debug().Str("fork_id", forkID).Int("partitions", len(parts)).Msg("running fork")

	workerSets := make([]*results.ResultSet, s.Pool.WorkerCount())
	for i := range workerSets {
		workerSets[i] = results.New(cols, setCount)
	}

	if len(parts) == 0 {
		return c.Internode(results.MultiSetToInternode(len(cols), setCount, workerSets))
	}

	type forkReply struct {
		blob []byte
		err  *oserror.Error
	}
	done := make(chan forkReply, 1)

	shuttle := async.NewShuttle[oloop.CellResult](len(parts), func(responses []oloop.CellResult) {
		for _, r := range responses {
			if r.Err != nil {
				done <- forkReply{err: r.Err}
				return
			}
		}
		done <- forkReply{blob: results.MultiSetToInternode(len(cols), setCount, workerSets)}
	})

	s.Pool.CellFactory(parts, func(loop *async.Loop) async.Cell {
		return factory(shuttle, workerSets[loop.WorkerID], loop.PartitionID)
	})

	reply := <-done
	if reply.err != nil {
		return c.RpcError(reply.err)
	}
	return c.Internode(reply.blob)
}

// forkToCluster is the originator side: re-dispatch this exact request with
// fork=true to every owning node (self included, through the local HTTP
// listener) and decode the replies. A well-formed JSON error from any fork is
// forwarded; anything else non-binary is a route error.
func (s *HTTPServer) forkToCluster(method, path string, params url.Values, payload []byte) ([]*results.ResultSet, *oserror.Error) {
	forked := url.Values{}
	for k, v := range params {
		forked[k] = v
	}
	forked.Set("fork", "true")

	resp := s.Mapper.DispatchCluster(method, path, forked, payload)
	if resp.RouteError {
		return nil, oserror.RouteError()
	}

	var sets []*results.ResultSet
	for _, block := range resp.Responses {
		if results.IsInternode(block.Data) {
			set, err := results.InternodeToResultSet(block.Data)
			if err != nil {
				return nil, oserror.New(oserror.ClassInternode, oserror.CodeInternodeError, err.Error())
			}
			sets = append(sets, set)
			continue
		}
		if e := oserror.FromJSON(block.Data); e != nil {
			return nil, e
		}
		return nil, oserror.RouteError()
	}
	return sets, nil
}

// forwardBlock relays another node's reply verbatim (person routing).
func (c *CustomContext) forwardBlock(block mapper.DataBlock) error {
	contentType := "application/json"
	if results.IsInternode(block.Data) {
		contentType = "application/octet-stream"
	}
	status := block.Status
	if status == 0 {
		status = http.StatusOK
	}
	return c.Blob(status, contentType, block.Data)
}

// standingCells queues the insert drain and segment refresh cells for a
// table on every locally owned partition. Called when a table is created.
func (s *HTTPServer) standingCells(table *database.Table) {
	parts := s.Mapper.PartitionMap().PartitionsByNodeAndState(s.Mapper.SelfID, mapper.StateActiveOwner)
	s.Pool.CellFactory(parts, func(loop *async.Loop) async.Cell {
		return oloop.NewInsertCell(table)
	})
	s.Pool.CellFactory(parts, func(loop *async.Loop) async.Cell {
		return oloop.NewSegmentRefreshCell(table)
	})
}
