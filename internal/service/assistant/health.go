package assistant

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

type HostInfo struct {
	Hostname        string `json:"hostname,omitempty"`
	OS              string `json:"os,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelArch      string `json:"kernel_arch,omitempty"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type HealthReport struct {
	Status          string    `json:"status"`
	GraphBuilt      bool      `json:"graph_built"`
	ToolsRegistered bool      `json:"tools_registered"`
	Errors          []string  `json:"errors"`
	Sessions        int       `json:"sessions"`
	Tools           []string  `json:"tools"`
	Tracing         bool      `json:"tracing_enabled"`
	Mirror          string    `json:"session_mirror"`
	Uptime          string    `json:"uptime"`
	Host            *HostInfo `json:"host,omitempty"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool { return r.Status == StatusHealthy }

// Health reports service state. Host details are best-effort and never
// fail the check.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:     StatusHealthy,
		GraphBuilt: s.router.Built(),
		Errors:     []string{},
		Sessions:   s.store.Len(),
		Tools:      s.router.Tools().Names(),
		Tracing:    s.tracing,
		Mirror:     s.store.MirrorKind(),
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
	}
	if report.Tools == nil {
		report.Tools = []string{}
	}
	report.ToolsRegistered = len(report.Tools) > 0

	if !report.GraphBuilt {
		report.Errors = append(report.Errors, "chat graph not built")
	}
	if s.needTools && !report.ToolsRegistered {
		report.Errors = append(report.Errors, "web search is enabled but no tool is registered")
	}
	if len(report.Errors) > 0 {
		report.Status = StatusUnhealthy
		s.logger.Warn("health check failed", "errors", report.Errors)
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		report.Host = &HostInfo{
			Hostname:        info.Hostname,
			OS:              info.OS,
			Platform:        info.Platform,
			PlatformVersion: info.PlatformVersion,
			KernelArch:      info.KernelArch,
		}
	} else {
		s.logger.Debug("host info unavailable", "error", err)
	}
	return report
}
