package system

import (
	"context"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
)

// NoopService is a convenient Service implementation for modules that need a
// name in the lifecycle list but have no background processing of their own.
type NoopService struct {
	ServiceName string
}

func (n NoopService) Name() string { return n.ServiceName }

func (NoopService) Start(context.Context) error { return nil }

func (NoopService) Stop(context.Context) error { return nil }

// DescriptorOnly adapts a component that advertises a Descriptor but owns no
// background loop of its own (rate limiter, circuit breaker, categorizer,
// audit log, and similar request-time-only collaborators) into a Service, so
// Manager.Register folds its descriptor into Manager.Descriptors() without
// giving it a real start/stop hook.
type DescriptorOnly struct {
	NoopService
	Provider DescriptorProvider
}

// Descriptor implements DescriptorProvider by delegating to Provider.
func (d DescriptorOnly) Descriptor() core.Descriptor { return d.Provider.Descriptor() }
