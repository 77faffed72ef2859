// Package api contains the core building blocks of the sagaflow event bus
// and workflow engine: the event envelope and its wire codec, the bus and
// engine interfaces, workflow and step definitions, and the observer
// contracts used for logging and metrics.
//
// Most users interact with the higher-level sagaflow package, which
// re-exports selected types and helpers from this package. The api package is
// intended for custom integrations, alternative engine implementations, or
// template packages such as pkg/travel.
package api
