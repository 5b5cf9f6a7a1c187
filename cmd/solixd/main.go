// Command solixd polls the Solix cloud into a local device cache and keeps
// a broker session for live telemetry.
package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/alive/v2"

	"github.com/solixapi/solix/cache"
	"github.com/solixapi/solix/config"
	"github.com/solixapi/solix/devmap"
	"github.com/solixapi/solix/log2"
	"github.com/solixapi/solix/poller"
	"github.com/solixapi/solix/session"
	"github.com/solixapi/solix/storage"
	"github.com/solixapi/solix/transport"
)

const mqttRetryInterval = 30 * time.Second

var log = log2.NewStderr(log2.LInfo)

func main() {
	flagConfig := flag.String("config", "solix.hcl", "")
	flag.Parse()

	if sdnotify("start") {
		// under systemd, journal supplies timestamps
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LServiceFlags)
	}

	cfg := config.MustReadConfig(log, config.NewOsFullReader(), *flagConfig)
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}

	tables := devmap.Builtin()
	if cfg.Tables.Path != "" {
		var err error
		if tables, err = devmap.Load(cfg.Tables.Path); err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
	}

	store := storage.NewStore(cfg.Persist.Root, cfg.Account.Email, log)
	sess, err := session.NewSession(session.Config{
		Email:          cfg.Account.Email,
		Password:       cfg.Account.Password,
		Country:        cfg.Account.Country,
		RequestDelay:   cfg.RequestDelay(),
		RequestTimeout: cfg.RequestTimeout(),
		EndpointLimit:  cfg.Api.EndpointLimit,
		LogSecrets:     cfg.Api.LogSecrets,
		Store:          store,
	}, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	devCache := cache.New(log)

	var mq *transport.Session
	if cfg.Mqtt.Enable {
		intermediates := ""
		if cfg.Mqtt.IntermediatesFile != "" {
			b, err := ioutil.ReadFile(cfg.Mqtt.IntermediatesFile)
			if err != nil {
				log.Fatal(errors.ErrorStack(errors.Annotate(err, "mqtt intermediates")))
			}
			intermediates = string(b)
		}
		mq = transport.NewSession(sess, transport.Config{
			TrustMode:        cfg.Mqtt.TrustMode,
			IntermediatesPem: intermediates,
			KeepaliveSec:     uint16(cfg.Mqtt.KeepaliveSec),
			ConnectTimeout:   cfg.ConnectTimeout(),
			Tables:           tables,
		}, log)
		mq.SetMessageCallback(func(topic string, envelope map[string]interface{}, decoded interface{}, model, sn string, valueUpdate bool) {
			if !valueUpdate {
				return
			}
			if values, ok := decoded.(map[string]interface{}); ok {
				devCache.MergeMqttTelemetry(sn, values)
			}
		})
	}

	status := func() cache.AccountStatus {
		return cache.AccountStatus{
			Email:              sess.Email(),
			Nickname:           sess.Nickname(),
			Country:            sess.Country(),
			Server:             sess.Server(),
			RequestsLastMinute: sess.Counter.LastMinute(),
			RequestsLastHour:   sess.Counter.LastHour(),
			MqttConnected:      mq != nil && mq.Connected(),
		}
	}
	poll := poller.New(sess, devCache, status, log)

	a := alive.NewAlive()
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		<-sigch
		log.Infof("stop signal")
		a.Stop()
	}()

	ctx := context.Background()
	if err := sess.Authenticate(ctx, false); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	log.Infof("logged in as %s", sess.Nickname())

	pollSites(ctx, poll, devCache, mq)
	if err := poll.PollDeviceDetails(ctx); err != nil {
		log.Errorf("poll devices err=%v", err)
	}
	connectMqtt(ctx, mq, devCache)
	sdnotify(daemon.SdNotifyReady)

	sitesTick := time.NewTicker(cfg.PollInterval())
	detailsTick := time.NewTicker(cfg.DetailsInterval())
	mqttTick := time.NewTicker(mqttRetryInterval)
	defer sitesTick.Stop()
	defer detailsTick.Stop()
	defer mqttTick.Stop()

	stopch := a.StopChan()
	for a.IsRunning() {
		select {
		case <-stopch:

		case <-sitesTick.C:
			pollSites(ctx, poll, devCache, mq)
			if err := poll.PollDeviceDetails(ctx); err != nil {
				log.Errorf("poll devices err=%v", err)
			}

		case <-detailsTick.C:
			if err := poll.PollSiteDetails(ctx); err != nil {
				log.Errorf("poll site details err=%v", err)
			}

		case <-mqttTick.C:
			connectMqtt(ctx, mq, devCache)
		}
	}

	if mq != nil {
		mq.Close()
	}
	a.Wait()
	log.Infof("bye")
}

func pollSites(ctx context.Context, poll *poller.Poller, devCache *cache.Cache, mq *transport.Session) {
	if err := poll.PollSites(ctx); err != nil {
		log.Errorf("poll sites err=%v", err)
		return
	}
	subscribeDevices(mq, devCache)
}

func subscribeDevices(mq *transport.Session, devCache *cache.Cache) {
	if mq == nil {
		return
	}
	for _, device := range devCache.Devices() {
		// empty prefix before the first connect, retried next round
		if prefix := mq.TopicPrefix(device, false); prefix != "" {
			mq.Subscribe(prefix + "#")
		}
	}
}

func connectMqtt(ctx context.Context, mq *transport.Session, devCache *cache.Cache) {
	if mq == nil || mq.Connected() {
		return
	}
	err := mq.Connect(ctx)
	switch err.(type) {
	case nil:
		subscribeDevices(mq, devCache)

	case *transport.CooldownError:
		// logged at debug by Connect

	default:
		log.Errorf("mqtt err=%v", err)
	}
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
