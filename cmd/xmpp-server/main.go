package main

import (
	"crypto/rand"

	"github.com/benbjohnson/clock"

	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/event"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/jid"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/presence"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/pubsub"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/resolver"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/router"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/s2s"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/stanza"
	"github.com/life-stream-dev/life-stream-go-xmpp-server/internal/utils"
)

// openRoster 在没有挂接真实名册后端时放行presence访问模型
type openRoster struct{}

func (openRoster) HasPresenceSubscription(_, _ jid.JID) bool { return true }

func (openRoster) InAllowedGroups(_, _ jid.JID, _ []string) bool { return false }

func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		logger.FatalF("Error occured while reading config %v", err)
		return
	}
	loggerCallback := logger.Init()
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	var store pubsub.Store
	if cfg.Database.Host != "" {
		client, db, err := pubsub.ConnectDatabase()
		if err != nil {
			logger.FatalF("Error occured while initializing database, details: %v", err)
			return
		}
		store = pubsub.NewMongoStore(client, db)
	} else {
		logger.Warn("No database configured, falling back to in-memory node store")
		store = pubsub.NewMemoryStore()
	}

	res := resolver.New(resolver.Options{
		Timeout:     utils.ParseStringTime(cfg.S2S.DNSTimeout),
		Retries:     cfg.S2S.DNSRetries,
		DefaultPort: cfg.S2S.Port,
		Families:    cfg.S2S.AddressFamilies,
	})

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		logger.FatalF("Error occured while generating dialback secret, details: %v", err)
		return
	}

	s2sConfig := s2s.Config{
		UseStartTLS:     cfg.S2S.UseStartTLS,
		CertFile:        cfg.S2S.CertFile,
		DomainCertFiles: cfg.S2S.DomainCertFiles,
		LocalAddress:    cfg.S2S.LocalAddress,
		ConnectTimeout:  utils.ParseStringTime(cfg.S2S.ConnectTimeout),
		SendTimeout:     utils.ParseStringTime(cfg.S2S.SendTimeout),
		StateTimeout:    utils.ParseStringTime(cfg.S2S.StateTimeout),
		IdleTimeout:     utils.ParseStringTime(cfg.S2S.IdleTimeout),
		MaxRetryDelay:   utils.ParseStringTime(cfg.S2S.MaxRetryDelay),
		MaxQueue:        cfg.S2S.MaxQueueSize,
	}

	var rt *router.DefaultRouter
	registry := s2s.NewRegistry(s2sConfig, res, clock.New(), secret, func(el *stanza.Element) {
		rt.Route(el)
	})
	rt = router.New(cfg.Hosts, registry)

	tracker := presence.NewTracker()
	manager := pubsub.NewManager(pubsub.ServiceConfig{
		AccessCreateNode:       cfg.PubSub.AccessCreateNode,
		MaxItemsNode:           cfg.PubSub.MaxItemsNode,
		IgnorePEPFromOffline:   cfg.PubSub.IgnorePEPFromOffline,
		LastItemCache:          cfg.PubSub.LastItemCache,
		Plugins:                cfg.PubSub.Plugins,
		CompatSubscriptionTypo: cfg.PubSub.CompatSubscriptionTypo,
	}, store, rt.Route, openRoster{}, tracker)

	for _, host := range cfg.PubSub.Hosts {
		host := host
		svc := manager.Service(host)
		rt.RegisterDomain(host, router.LocalHandlerFunc(func(el *stanza.Element) {
			switch {
			case pubsub.MatchesIQ(el):
				svc.ProcessIQ(el)
			case el.Name == "message":
				svc.ProcessMessage(el)
			default:
				logger.DebugF("[%s] Unhandled %s stanza", host, el.Name)
			}
		}))
		logger.InfoF("PubSub service listening on %s", host)
	}

	logger.InfoF("Federation layer ready, serving domains %v", cfg.Hosts)
	select {}
}
