// Package discovery advertises a running station over mDNS/DNS-SD so a
// dashboard or neighbouring station can find its MQTT event stream
// without static configuration. Grounded on doismellburning-samoyed's
// src/dns_sd.go, which announces a KISS-over-TCP service the same way
// with github.com/brutella/dnssd; the service type and the announced
// port change, the shape of the call does not.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type a batrack station announces.
const ServiceType = "_batrack._tcp"

// Announce registers name as a ServiceType instance advertising mqttPort,
// and starts responding to mDNS queries in the background until ctx is
// cancelled. A failure to announce is logged and ignored: discovery is an
// observability convenience, never required for the trigger-coordination
// core to run.
func Announce(ctx context.Context, name string, mqttPort int, logger *log.Logger) {
	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: mqttPort,
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		if logger != nil {
			logger.Error("dns-sd: failed to create service", "err", err)
		}
		return
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		if logger != nil {
			logger.Error("dns-sd: failed to create responder", "err", err)
		}
		return
	}

	if _, err := rp.Add(sv); err != nil {
		if logger != nil {
			logger.Error("dns-sd: failed to add service", "err", err)
		}
		return
	}

	if logger != nil {
		logger.Info("dns-sd: announcing station", "name", name, "type", ServiceType, "port", mqttPort)
	}

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			if logger != nil {
				logger.Error("dns-sd: responder error", "err", err)
			}
		}
	}()
}

// DefaultName derives a service name from the station hostname, mirroring
// doismellburning-samoyed's dns_sd_default_service_name fallback.
func DefaultName(host string) string {
	return fmt.Sprintf("BatRack station %s", host)
}
