package instance

import (
	"log"

	"github.com/neomello/FlowCloser-EVOLUTION/internal/channel"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/crypto"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/database"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/monitor"
	"github.com/neomello/FlowCloser-EVOLUTION/internal/proxy"
)

// Rehydrate rebuilds the live registry from persisted records after a
// restart. Sessions do not survive the process, so every rehydrated
// instance starts out closed; a record that cannot be rebuilt is logged
// and skipped, never fatal to boot.
func (s *Service) Rehydrate() {
	recs, err := database.ListInstances(database.InstanceFilter{})
	if err != nil {
		log.Printf("rehydrate: list instances: %v", err)
		return
	}

	restored := 0
	for _, rec := range recs {
		proxyURL := ""
		cfg := proxy.Config{
			Host:     rec.ProxyHost,
			Port:     rec.ProxyPort,
			Protocol: rec.ProxyProtocol,
			Username: rec.ProxyUsername,
		}
		if cfg.Configured() {
			if rec.ProxyPassword != "" {
				password, err := crypto.Decrypt(rec.ProxyPassword)
				if err != nil {
					log.Printf("rehydrate: decrypt proxy password for %q: %v", rec.Name, err)
					continue
				}
				cfg.Password = password
			}
			proxyURL = cfg.URL()
		}

		adapter, err := channel.New(rec.Integration, channel.Spec{
			InstanceID:   rec.ID,
			InstanceName: rec.Name,
			Token:        rec.Token,
			Number:       rec.Number,
			ProxyURL:     proxyURL,
			OnState:      s.stateHook(rec.Name, rec.ID),
		})
		if err != nil {
			log.Printf("rehydrate: rebuild adapter for %q: %v", rec.Name, err)
			continue
		}

		s.registry.Set(&monitor.LiveInstance{
			ID:          rec.ID,
			Name:        rec.Name,
			Integration: rec.Integration,
			Token:       rec.Token,
			Adapter:     adapter,
		})
		s.persistStatus(rec.Name, rec.ID, channel.StateClose)
		restored++
	}

	if restored > 0 {
		log.Printf("rehydrated %d instance(s) from the database", restored)
	}
}
