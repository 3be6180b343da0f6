// Package spec negotiates event feature compatibility between services.
//
// Every service declares, per event type, the optional fields it emits and
// the fields it requires from producers. At setup time the negotiator
// fetches every service's specification, asserts that all schema versions
// match, and checks the subscription closure: each required field of each
// consumer must be declared by at least one producer of that event type.
// Only then does it build the subscription registry and push per-service
// configuration. A failure at any point finishes the services configured so
// far, making setup transactional.
package spec
