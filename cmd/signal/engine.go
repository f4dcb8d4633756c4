package main

import (
	"sfusignal/internal/core/domain"
	"sfusignal/internal/infrastructure/mediaengine/loopback"
	"sfusignal/pkg/config"
)

func engineConfig(cfg *config.Config) loopback.Config {
	ips := make([]loopback.ListenIP, 0, len(cfg.Media.ListenIPs))
	for _, l := range cfg.Media.ListenIPs {
		ips = append(ips, loopback.ListenIP{IP: l.IP, AnnouncedIP: l.AnnouncedIP})
	}
	return loopback.Config{
		ListenIPs: ips,
		MinPort:   cfg.Media.PortRange.Min,
		MaxPort:   cfg.Media.PortRange.Max,
	}
}

func routerCodecs(cfg *config.Config) []domain.RtpCodecCapability {
	out := make([]domain.RtpCodecCapability, 0, len(cfg.Media.Codecs))
	for _, c := range cfg.Media.Codecs {
		out = append(out, domain.RtpCodecCapability{
			Kind:       domain.MediaKind(c.Kind),
			MimeType:   c.MimeType,
			ClockRate:  c.ClockRate,
			Channels:   c.Channels,
			Parameters: c.Parameters,
		})
	}
	return out
}
