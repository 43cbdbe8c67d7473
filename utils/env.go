package utils

import "os"

var (
	NODE_ID   = GetEnvOrDefaultInt("NODE_ID", 0)
	NODE_ADDR = GetEnvOrDefault("NODE_ADDR", "http://127.0.0.1:8080")

	// Comma list of `id=http://host:port` pairs, including this node.
	// Empty means a single-node cluster of just NODE_ID/NODE_ADDR.
	CLUSTER_NODES = os.Getenv("CLUSTER_NODES")

	PARTITION_COUNT = GetEnvOrDefaultInt("PARTITION_COUNT", 16)
	WORKER_COUNT    = GetEnvOrDefaultInt("WORKER_COUNT", 4)
)
