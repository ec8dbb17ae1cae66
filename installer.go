package sentinel

import (
	"context"

	"github.com/oarkflow/sentinel/logger"
)

// ============================================================================
// POLICY INSTALLER / MIGRATOR
// ============================================================================

// Installer provisions and updates policy sets during deployment, before
// the corresponding resource type is exposed through any API. It is the
// only writer of policies: there is no runtime API to relax them.
type Installer struct {
	store       PolicyStore
	registry    *Registry
	notifier    ChangeNotifier
	invalidator DecisionCacheInvalidator
	logger      logger.Logger
}

// DecisionCacheInvalidator drops cached authorization decisions; the
// Evaluator implements it.
type DecisionCacheInvalidator interface {
	InvalidateDecisionCache()
}

type InstallerOption func(*Installer)

// WithChangeNotifier publishes an invalidation signal after each swap so
// other replicas refresh their registries immediately.
func WithChangeNotifier(n ChangeNotifier) InstallerOption {
	return func(i *Installer) { i.notifier = n }
}

// WithCacheInvalidation clears the decision cache after each local swap,
// so a tightened policy takes effect immediately instead of after the
// cache TTL.
func WithCacheInvalidation(inv DecisionCacheInvalidator) InstallerOption {
	return func(i *Installer) { i.invalidator = inv }
}

func WithInstallerLogger(l logger.Logger) InstallerOption {
	return func(i *Installer) {
		if l != nil {
			i.logger = l
		}
	}
}

func NewInstaller(store PolicyStore, registry *Registry, opts ...InstallerOption) *Installer {
	inst := &Installer{
		store:    store,
		registry: registry,
		logger:   logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// EnsurePolicies idempotently installs the policy set for one resource
// type. Re-running with identical content is a no-op; changed content is
// swapped atomically, so there is no window in which a previously
// protected resource type has zero policies. Any failure is an
// InstallError and must block rollout; this component never degrades to
// "no restriction".
//
// Lifecycle: Unregistered -> Active on first install, Active -> Active via
// atomic swap on changes. There is no reachable Deleted state: sets are
// superseded, not removed.
func (i *Installer) EnsurePolicies(ctx context.Context, set *PolicySet) error {
	if set == nil {
		return installErr("", "nil policy set")
	}
	if err := set.Validate(); err != nil {
		return err
	}
	if err := set.Compile(); err != nil {
		return installErr(set.ResourceType, "compile conditions: %v", err)
	}

	current, err := i.store.ActiveChecksum(ctx, set.ResourceType)
	if err != nil {
		return installErr(set.ResourceType, "read active checksum: %v", err)
	}
	if current != "" && current == set.Checksum() {
		// already installed; make sure this process serves it too
		if i.registry.GetSet(set.ResourceType) == nil {
			i.registry.Replace(set)
		}
		i.logger.Debug("policy set unchanged", "resource_type", set.ResourceType, "checksum", current)
		return nil
	}

	if err := i.store.Replace(ctx, set); err != nil {
		return installErr(set.ResourceType, "replace: %v", err)
	}
	i.registry.Replace(set)
	if i.invalidator != nil {
		i.invalidator.InvalidateDecisionCache()
	}
	i.logger.Info("policy set installed",
		"resource_type", set.ResourceType, "version", set.Version, "policies", len(set.Policies))

	if i.notifier != nil {
		if err := i.notifier.NotifyPolicyChange(ctx, set.ResourceType); err != nil {
			// replicas fall back to interval refresh; the install itself
			// is durable at this point
			i.logger.Error("policy change notification failed",
				"resource_type", set.ResourceType, "error", err.Error())
		}
	}
	return nil
}

// EnsureAll installs several resource types in order, stopping at the
// first failure.
func (i *Installer) EnsureAll(ctx context.Context, sets []*PolicySet) error {
	for _, set := range sets {
		if err := i.EnsurePolicies(ctx, set); err != nil {
			return err
		}
	}
	return nil
}
