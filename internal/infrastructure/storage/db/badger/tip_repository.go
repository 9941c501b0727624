package dbbadger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
	"github.com/vulpemventures/connector/internal/core/domain"
)

const (
	// There's only one tip, the key is hardcoded.
	tipKey = "tip"

	gcInterval = 30 * time.Minute
)

type tipRepository struct {
	store  *badgerhold.Store
	chQuit chan struct{}

	log func(format string, a ...interface{})
}

// NewTipRepository opens the db at the given path. If no path is provided
// the db is created in memory, to be used only for testing purposes.
func NewTipRepository(
	baseDbDir string, logger badger.Logger,
) (domain.TipRepository, error) {
	var dbDir string
	if len(baseDbDir) > 0 {
		dbDir = filepath.Join(baseDbDir, "tip")
	}

	chQuit := make(chan struct{})
	store, err := createDb(dbDir, logger, chQuit)
	if err != nil {
		return nil, fmt.Errorf("opening tip db: %w", err)
	}

	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("tip repository: %s", format)
		log.Debugf(format, a...)
	}
	return &tipRepository{store, chQuit, logFn}, nil
}

func (r *tipRepository) GetTip(ctx context.Context) (*domain.BlockTip, error) {
	var tip domain.BlockTip
	var err error

	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxGet(tx, tipKey, &tip)
	} else {
		err = r.store.Get(tipKey, &tip)
	}
	if err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &tip, nil
}

func (r *tipRepository) UpdateTip(ctx context.Context, tip domain.BlockTip) error {
	var err error
	if ctx.Value("tx") != nil {
		tx := ctx.Value("tx").(*badger.Txn)
		err = r.store.TxUpsert(tx, tipKey, tip)
	} else {
		err = r.store.Upsert(tipKey, tip)
	}
	if err != nil {
		return err
	}

	r.log("stored tip %s", tip)
	return nil
}

func (r *tipRepository) Close() {
	close(r.chQuit)
	r.store.Close()
}

func createDb(
	dbDir string, logger badger.Logger, chQuit chan struct{},
) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(gcInterval)

		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-chQuit:
					return
				case <-ticker.C:
					if err := db.Badger().RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
						log.Warnf("garbage collector: %s", err)
					}
				}
			}
		}()
	}

	return db, nil
}
