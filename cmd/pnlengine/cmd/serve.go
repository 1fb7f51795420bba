// 文件: cmd/pnlengine/cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pnl.com/pkg/gateway"
	"pnl.com/pkg/kafka"
	"pnl.com/pkg/ledger"
	"pnl.com/pkg/mtm"
	"pnl.com/pkg/nats"
	"pnl.com/pkg/quote"
	"pnl.com/pkg/registry"
	"pnl.com/pkg/rollup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run stream consumers, MTM loops and the rollup scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()
		return a.serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve 阻塞到 ctx 取消
//
// 【启动顺序】报价/成交入口 -> 账户循环 -> 调度
// 【停机顺序】调度 -> 账户循环 (等在途快照写完) -> 入口
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	recorder, err := a.recorder()
	if err != nil {
		return err
	}

	// 报价缓存，Redis 镜像用于重启预热
	quotes := quote.NewCache()
	if a.rdb != nil {
		mirror := quote.NewRedisMirror(a.rdb, a.log)
		if _, err := mirror.WarmUp(ctx, quotes); err != nil {
			a.log.Warn("quote warm up failed", zap.Error(err))
		}
		mirror.Attach(quotes)
		mirror.Start()
		defer mirror.Stop()
	}

	book := ledger.New(a.fills, a.log)
	fillConsumer := ledger.NewConsumer(book, a.cal, recorder, cfg.Store.WriteTimeout, a.log)
	quoteConsumer := quote.NewConsumer(quotes, recorder, a.log)

	// NATS: 网关调用 + 流订阅
	var (
		collab  registry.Collaborators = registry.Funcs{}
		natsPub *nats.Publisher
	)
	if cfg.NATS.URL != "" {
		natsPub, err = nats.NewPublisher(cfg.NATS.URL, "pnlengine", a.log)
		if err != nil {
			return err
		}
		defer natsPub.Close()
		collab = gateway.New(natsPub, a.log)

		sub, err := nats.NewSubscriber(cfg.NATS.URL, "pnlengine-streams", a.log)
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Subscribe(cfg.NATS.FillSubject, cfg.NATS.Queue, fillConsumer.HandleNATS); err != nil {
			return err
		}
		// 每个实例都要全量报价，不走队列
		if err := sub.Subscribe(cfg.NATS.QuoteSubject, "", quoteConsumer.HandleNATS); err != nil {
			return err
		}
	} else {
		a.log.Warn("nats.url not set: no gateway, accounts report no open positions")
	}

	// Kafka 成交/报价流
	if len(cfg.Kafka.Brokers) > 0 {
		router := kafka.Router{
			cfg.Kafka.FillTopic:  fillConsumer.HandleKafka,
			cfg.Kafka.QuoteTopic: quoteConsumer.HandleKafka,
		}
		ccfg := kafka.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, router.Topics())
		ccfg.OffsetInitial = cfg.Kafka.Offset
		consumer, err := kafka.NewConsumer(ccfg, router.Handle, a.log)
		if err != nil {
			return err
		}
		consumer.Start()
		defer func() {
			if err := consumer.Stop(); err != nil {
				a.log.Warn("stop kafka consumer", zap.Error(err))
			}
		}()
	}

	pub, err := a.publisher(natsPub)
	if err != nil {
		return err
	}

	// 账户循环
	reg := registry.New(collab, a.log)
	calc := mtm.NewCalculator(mtm.Config{
		Interval:        cfg.MTM.Interval,
		CallbackTimeout: cfg.MTM.CallbackTimeout,
		WriteTimeout:    cfg.Store.WriteTimeout,
	}, a.cal, quotes, book, a.snapshots, reg.Collaborators(), a.log)
	reg.OnRemove(func(accountID string) {
		calc.Forget(accountID)
		book.Forget(accountID)
	})
	for _, id := range cfg.AccountIDs() {
		if err := reg.Add(id); err != nil {
			return fmt.Errorf("add account %s: %w", id, err)
		}
	}
	if err := reg.Start(ctx, calc.Run); err != nil {
		return err
	}

	// 调度
	sched, err := rollup.NewScheduler(cfg.Rollup.SchedulerConfig, a.cal,
		a.dailyJob(reg, pub), a.monthlyJob(reg, pub), a.log)
	if err != nil {
		reg.Stop()
		return err
	}
	if err := sched.Start(ctx); err != nil {
		reg.Stop()
		return err
	}

	a.log.Info("engine running",
		zap.Int("accounts", len(reg.Accounts())),
		zap.String("store", cfg.Store.Driver),
		zap.Duration("mtm_interval", cfg.MTM.Interval),
		zap.String("timezone", a.cal.Location().String()))

	<-ctx.Done()
	a.log.Info("shutting down")

	sched.Stop()
	reg.Stop()
	return nil
}
