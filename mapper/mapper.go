// Package mapper is the cluster fan-out layer: it knows which node owns
// which partition and routes requests to them. Self-dispatch goes through
// the local HTTP listener like any other node so the fork path is one code
// path.
package mapper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/UltimateTournament/backoff/v4"
	"github.com/opensetdb/openset/gologger"
	"github.com/opensetdb/openset/utils"
)

var logger = gologger.NewLogger()

// DataBlock is one node's reply. Ownership of Data transfers to the caller.
type DataBlock struct {
	Data   []byte
	Status int
}

func (d DataBlock) OK() bool {
	return d.Status == http.StatusOK
}

// Responses is a cluster dispatch result. RouteError flags transport-level
// failure (empty body, dead node); in-band JSON errors are the caller's to
// interpret.
type Responses struct {
	Responses  []DataBlock
	RouteError bool
}

type Mapper struct {
	SelfID int64

	partitionMap *PartitionMap

	mu     sync.RWMutex
	routes map[int64]string // node id -> base url

	client *http.Client
}

func NewMapper(selfID int64, pm *PartitionMap) *Mapper {
	return &Mapper{
		SelfID:       selfID,
		partitionMap: pm,
		routes:       map[int64]string{},
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

func (m *Mapper) PartitionMap() *PartitionMap {
	return m.partitionMap
}

func (m *Mapper) AddRoute(node int64, baseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[node] = baseURL
}

func (m *Mapper) route(node int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[node]
	return r, ok
}

func (m *Mapper) do(node int64, method, path string, params url.Values, payload []byte) (DataBlock, error) {
	base, ok := m.route(node)
	if !ok {
		return DataBlock{}, fmt.Errorf("no route for node %d", node)
	}

	target := base + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequest(method, target, bytes.NewReader(payload))
	if err != nil {
		return DataBlock{}, fmt.Errorf("error building internode request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-OpenSet-Request", utils.GenKSortedID("req_"))

	resp, err := m.client.Do(req)
	if err != nil {
		return DataBlock{}, fmt.Errorf("error dispatching to node %d: %w", node, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DataBlock{}, fmt.Errorf("error reading reply from node %d: %w", node, err)
	}
	return DataBlock{Data: body, Status: resp.StatusCode}, nil
}

// DispatchSync routes one request to one node and waits for the reply.
func (m *Mapper) DispatchSync(node int64, method, path string, params url.Values, payload []byte) (DataBlock, error) {
	return m.do(node, method, path, params, payload)
}

// DispatchAsync routes one request to one node and invokes cb with the reply
// on a fresh goroutine. Returns false when the node has no route.
func (m *Mapper) DispatchAsync(node int64, method, path string, params url.Values, payload []byte, cb func(DataBlock, error)) bool {
	if _, ok := m.route(node); !ok {
		return false
	}
	go func() {
		cb(m.do(node, method, path, params, payload))
	}()
	return true
}

// DispatchCluster sends the request to every node that owns at least one
// active partition, including self, and collects all replies. Transport
// failures and empty bodies flag RouteError; order of Responses is
// unspecified (the merge is commutative).
func (m *Mapper) DispatchCluster(method, path string, params url.Values, payload []byte) Responses {
	nodes := m.partitionMap.OwningNodes()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out Responses
	)

	for _, node := range nodes {
		wg.Add(1)
		go func(node int64) {
			defer wg.Done()
			block, err := m.do(node, method, path, params, payload)

			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(block.Data) == 0 {
				if err != nil {
					logger.Warn().Err(err).Int64("node", node).Msg("cluster dispatch failed")
				}
				out.RouteError = true
				return
			}
			out.Responses = append(out.Responses, block)
		}(node)
	}
	wg.Wait()

	return out
}

// WaitReady probes a node's ping endpoint until it answers, with backoff.
// Used at startup before the node joins dispatch rotation.
func (m *Mapper) WaitReady(ctx context.Context, node int64) error {
	return backoff.Retry(func() error {
		block, err := m.do(node, http.MethodGet, "/ping", nil, nil)
		if err != nil {
			return fmt.Errorf("node %d not ready: %w", node, err)
		}
		if block.Status != http.StatusOK {
			return fmt.Errorf("node %d ping status %d", node, block.Status)
		}
		return nil
	}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
}
