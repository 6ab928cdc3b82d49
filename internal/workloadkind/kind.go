// Package workloadkind names the pod-owning workload kinds this
// controller supervises, shared by the decision engine, the rollout
// driver, and the reconciler so they agree on which typed client to use.
package workloadkind

// Kind distinguishes a Deployment from a StatefulSet. Both expose
// spec.template.spec.containers and status.observedGeneration; a
// StatefulSet additionally lacks Progressing/Available conditions on
// some cluster versions, which the rollout driver accounts for.
type Kind string

const (
	Deployment  Kind = "Deployment"
	StatefulSet Kind = "StatefulSet"
)
