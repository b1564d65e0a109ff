// Package storageengine wires the storage core together: disk manager,
// buffer pool, primary B+ tree index, transaction manager and lock manager,
// built from one Config.
package storageengine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/megumidb/megumidb/config"
	"github.com/megumidb/megumidb/core/buffer"
	"github.com/megumidb/megumidb/core/concurrency"
	"github.com/megumidb/megumidb/core/indexing/btree"
	"github.com/megumidb/megumidb/core/storage_engine/disk"
	"github.com/megumidb/megumidb/pkg/telemetry"
)

// PrimaryIndexName is the header-page record name of the engine's index.
const PrimaryIndexName = "primary"

// Engine owns the storage core's components and their shutdown ordering.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	Disk  *disk.Manager
	Pool  *buffer.Pool
	Index *btree.BPlusTree[int64]
	Txns  *concurrency.TransactionManager
	Locks *concurrency.LockManager

	telemetryShutdown telemetry.ShutdownFunc
}

// Open builds an engine from the configuration.
func Open(cfg config.Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	dm, err := disk.NewManager(cfg.Storage.DataFile, logger.Named("disk"))
	if err != nil {
		telShutdown(context.Background())
		return nil, err
	}

	pool := buffer.NewPool(cfg.Storage.PoolSize, cfg.Storage.ReplacerK, dm,
		logger.Named("buffer"), tel.Meter)

	index, err := btree.New[int64](PrimaryIndexName, pool, btree.Int64Key{},
		cfg.Index.LeafMaxSize, cfg.Index.InternalMaxSize, logger.Named("btree"))
	if err != nil {
		dm.Close()
		telShutdown(context.Background())
		return nil, err
	}

	txns := concurrency.NewTransactionManager(logger.Named("txn"))
	locks := concurrency.NewLockManager(txns, concurrency.Options{
		StrictUpgrades:         cfg.Lock.StrictUpgrades,
		CycleDetectionInterval: cfg.Lock.CycleDetectionInterval(),
		EnableCycleDetection:   cfg.Lock.EnableCycleDetection,
	}, logger.Named("lock"), tel.Meter)
	txns.SetLockManager(locks)

	logger.Info("storage engine open",
		zap.String("data_file", cfg.Storage.DataFile),
		zap.Int("pool_size", cfg.Storage.PoolSize),
		zap.Int("replacer_k", cfg.Storage.ReplacerK))

	return &Engine{
		cfg:               cfg,
		logger:            logger,
		Disk:              dm,
		Pool:              pool,
		Index:             index,
		Txns:              txns,
		Locks:             locks,
		telemetryShutdown: telShutdown,
	}, nil
}

// Close stops the deadlock detector, flushes every dirty page, and closes
// the file — in that order, so nothing mutates pages mid-flush.
func (e *Engine) Close() error {
	e.Locks.Close()
	e.Pool.FlushAll()
	err := e.Disk.Close()
	if e.telemetryShutdown != nil {
		if terr := e.telemetryShutdown(context.Background()); terr != nil && err == nil {
			err = terr
		}
	}
	e.logger.Info("storage engine closed")
	return err
}
