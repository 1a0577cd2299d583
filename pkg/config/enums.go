package config

import "fmt"

// RunMode selects enterprise behavior (subject required, secure cookies,
// OIDC enforced) versus single-tenant development behavior.
type RunMode string

const (
	RunModeEnterprise  RunMode = "enterprise"
	RunModeDevelopment RunMode = "development"
)

func (m RunMode) valid() bool {
	switch m {
	case RunModeEnterprise, RunModeDevelopment:
		return true
	}
	return false
}

// MessagingType selects the queue adapter backend.
type MessagingType string

const (
	MessagingAMQP     MessagingType = "amqp"
	MessagingLogBased MessagingType = "log_based"
	MessagingMemory   MessagingType = "memory"
)

func (t MessagingType) valid() bool {
	switch t {
	case MessagingAMQP, MessagingLogBased, MessagingMemory:
		return true
	}
	return false
}

// PlanStateBackend selects the plan state store backend.
type PlanStateBackend string

const (
	PlanStateFile     PlanStateBackend = "file"
	PlanStatePostgres PlanStateBackend = "postgres"
)

func (b PlanStateBackend) valid() bool {
	switch b {
	case PlanStateFile, PlanStatePostgres:
		return true
	}
	return false
}

// KVBackendProvider selects between an in-process implementation and one
// shared across replicas via a key-value store (Redis).
type KVBackendProvider string

const (
	KVBackendMemory   KVBackendProvider = "memory"
	KVBackendSharedKV KVBackendProvider = "shared_kv"
)

func (p KVBackendProvider) valid() bool {
	switch p {
	case KVBackendMemory, KVBackendSharedKV:
		return true
	}
	return false
}

func requireOneOf(key, got string, valid bool) error {
	if !valid {
		return newValidationError(key, fmt.Errorf("%w: %q", ErrInvalidValue, got))
	}
	return nil
}
