package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensetdb/openset/async"
	"github.com/opensetdb/openset/database"
	"github.com/opensetdb/openset/gologger"
	"github.com/opensetdb/openset/http_server"
	"github.com/opensetdb/openset/mapper"
	"github.com/opensetdb/openset/utils"
)

var logger = gologger.NewLogger()

func main() {
	logger.Debug().Msg("starting openset node")

	nodes, err := parseClusterNodes()
	if err != nil {
		logger.Error().Err(err).Msg("error parsing CLUSTER_NODES")
		os.Exit(1)
	}

	pm := mapper.NewPartitionMap(int(utils.PARTITION_COUNT))
	nodeIDs := make([]int64, 0, len(nodes))
	for id := range nodes {
		nodeIDs = append(nodeIDs, id)
	}
	// every node must derive the identical ownership map
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	for p := 0; p < pm.PartitionMax(); p++ {
		pm.SetOwner(p, nodeIDs[p%len(nodeIDs)], mapper.StateActiveOwner)
	}

	m := mapper.NewMapper(utils.NODE_ID, pm)
	for id, addr := range nodes {
		m.AddRoute(id, addr)
	}

	pool := async.NewPool(int(utils.PARTITION_COUNT), int(utils.WORKER_COUNT))
	pool.Start()

	db := database.NewDatabase()
	httpServer := http_server.StartHTTPServer(db, pool, m)

	// the loopback route must answer before this node can originate queries
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	if err := m.WaitReady(ctx, utils.NODE_ID); err != nil {
		cancel()
		logger.Error().Err(err).Msg("local listener never became ready, exiting")
		os.Exit(1)
	}
	cancel()
	logger.Info().Int64("node", utils.NODE_ID).Int64("partitions", utils.PARTITION_COUNT).Int64("workers", utils.WORKER_COUNT).Msg("node ready")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	logger.Warn().Msg("received shutdown signal!")

	sleepTime := utils.GetEnvOrDefaultInt("SHUTDOWN_SLEEP_SEC", 0)
	logger.Info().Msg(fmt.Sprintf("sleeping for %ds before exiting", sleepTime))
	time.Sleep(time.Second * time.Duration(sleepTime))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown HTTP server")
	} else {
		logger.Info().Msg("successfully shutdown HTTP server")
	}
	pool.Stop()
}

// parseClusterNodes reads CLUSTER_NODES (`id=http://host:port` comma list).
// Empty means a single-node cluster of just this node.
func parseClusterNodes() (map[int64]string, error) {
	nodes := map[int64]string{}
	if utils.CLUSTER_NODES == "" {
		nodes[utils.NODE_ID] = utils.NODE_ADDR
		return nodes, nil
	}
	for _, pair := range utils.SplitList(utils.CLUSTER_NODES) {
		idStr, addr, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("bad node entry %q", pair)
		}
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad node id %q: %w", idStr, err)
		}
		nodes[id] = addr
	}
	if _, ok := nodes[utils.NODE_ID]; !ok {
		return nil, fmt.Errorf("CLUSTER_NODES does not include this node (id %d)", utils.NODE_ID)
	}
	return nodes, nil
}
