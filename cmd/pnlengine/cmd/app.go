// 文件: cmd/pnlengine/cmd/app.go
// 组件装配 - 各子命令共用
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pnl.com/pkg/audit"
	"pnl.com/pkg/calendar"
	"pnl.com/pkg/commission"
	"pnl.com/pkg/config"
	"pnl.com/pkg/idgen"
	"pnl.com/pkg/kafka"
	"pnl.com/pkg/ledger"
	"pnl.com/pkg/logger"
	"pnl.com/pkg/nats"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/rollup"
	"pnl.com/pkg/trace"
)

type app struct {
	cfg *config.Config
	log *zap.Logger
	cal *calendar.Calendar

	db        *gorm.DB
	rdb       *redis.Client
	store     pnl.Store
	snapshots pnl.SnapshotRepository
	fills     ledger.FillRepository
	journal   *audit.SQLiteJournal

	closers []func()
}

func newApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := trace.Init(cfg.Trace.Enabled); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	if err := idgen.InitSnowflake(cfg.NodeID); err != nil {
		return nil, err
	}
	cal, err := calendar.New(cfg.Market)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, cal: cal}
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
		_ = log.Sync()
	})

	if err := a.openStore(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close 逆序释放
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Driver {
	case config.DriverMySQL:
		db, err := gorm.Open(mysql.Open(a.cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		sqlDB.SetMaxOpenConns(a.cfg.Store.MaxOpenConns)
		sqlDB.SetMaxIdleConns(a.cfg.Store.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })

		a.db = db
		a.store = pnl.NewMySQLStore(db)
		a.fills = ledger.NewMySQLFillRepository(db)
	default:
		a.log.Warn("using in-memory store, nothing survives a restart")
		a.store = pnl.NewMemoryStore()
		a.fills = ledger.NewMemoryFillRepository()
	}
	a.snapshots = a.store

	if a.cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.log.Warn("redis unavailable, snapshot cache disabled", zap.String("addr", a.cfg.Redis.Addr), zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	a.rdb = rdb
	a.snapshots = pnl.NewCachedSnapshotRepository(a.store, rdb, a.log)
	return nil
}

func (a *app) migrate() error {
	if a.db == nil {
		return errors.New("migrate requires store.driver=mysql")
	}
	if err := pnl.NewMySQLStore(a.db).AutoMigrate(); err != nil {
		return fmt.Errorf("migrate pnl tables: %w", err)
	}
	if err := ledger.NewMySQLFillRepository(a.db).AutoMigrate(); err != nil {
		return fmt.Errorf("migrate trade_fills: %w", err)
	}
	return nil
}

// recorder 入站审计，未配置返回 Nop
func (a *app) recorder() (audit.Recorder, error) {
	if a.cfg.Audit.Path == "" {
		return audit.Nop{}, nil
	}
	if a.journal == nil {
		j, err := audit.NewSQLite(a.cfg.Audit.Path, a.log)
		if err != nil {
			return nil, fmt.Errorf("open audit journal %s: %w", a.cfg.Audit.Path, err)
		}
		a.closers = append(a.closers, func() { _ = j.Close() })
		a.journal = j
	}
	return a.journal, nil
}

// publisher 汇总事件出口；natsPub 为 nil 时按配置自行连接
func (a *app) publisher(natsPub *nats.Publisher) (rollup.Publisher, error) {
	var pubs rollup.MultiPublisher

	if a.cfg.NATS.Publish && a.cfg.NATS.URL != "" {
		if natsPub == nil {
			p, err := nats.NewPublisher(a.cfg.NATS.URL, "pnlengine-rollup", a.log)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, p.Close)
			natsPub = p
		}
		pubs = append(pubs, rollup.NewNATSPublisher(natsPub))
	}

	if a.cfg.Kafka.Publish && len(a.cfg.Kafka.Brokers) > 0 {
		pcfg := a.cfg.Kafka.Producer
		if len(pcfg.Brokers) == 0 {
			pcfg.Brokers = a.cfg.Kafka.Brokers
		}
		producer, err := kafka.NewProducer(pcfg, a.log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = producer.Close() })
		pubs = append(pubs, rollup.NewKafkaPublisher(producer))
	}

	if len(pubs) == 0 {
		return rollup.NopPublisher{}, nil
	}
	return pubs, nil
}

func (a *app) dailyJob(accounts rollup.AccountLister, pub rollup.Publisher) *rollup.DailyJob {
	return rollup.NewDailyJob(rollup.DailyDeps{
		Accounts:  accounts,
		Store:     a.store,
		Fills:     a.fills,
		Balances:  a.cfg,
		Publisher: pub,
		Workers:   a.cfg.Rollup.Workers,
		Log:       a.log,
	})
}

func (a *app) monthlyJob(accounts rollup.AccountLister, pub rollup.Publisher) *rollup.MonthlyJob {
	return rollup.NewMonthlyJob(rollup.MonthlyDeps{
		Accounts:   accounts,
		Store:      a.store,
		Commission: commission.NewService(a.store, a.cfg, a.cfg.Currency, a.log),
		Calendar:   a.cal,
		Publisher:  pub,
		Workers:    a.cfg.Rollup.Workers,
		Log:        a.log,
	})
}

func (a *app) query() *pnl.QueryService {
	return pnl.NewQueryService(a.snapshots, a.store)
}
