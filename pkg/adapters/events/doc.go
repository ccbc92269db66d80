// Package events contains EventBus implementations: an in-process bus
// for single-binary runs and tests, and a Redis Streams bus for feeding
// external dashboards.
package events
