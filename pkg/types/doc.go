/*
Package types defines the core data structures of the orchestrator's domain
model: organizations, users, instances, volumes, action logs and the other
entities described by the relational schema. These types are shared by
pkg/storage, pkg/statemachine, pkg/provisioning, pkg/routing and pkg/api.

Enums follow the typed-string-constant pattern used throughout this module:

	type InstanceStatus string
	const (
		InstanceStatusProvisioning InstanceStatus = "provisioning"
		InstanceStatusBooting      InstanceStatus = "booting"
	)

Optional fields use pointers (nil = absent) rather than zero values, since a
zero timestamp or empty string is frequently a valid, meaningful value here
(e.g. an instance's IP address before it has one).
*/
package types
