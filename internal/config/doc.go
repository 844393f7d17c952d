// Package config parses and validates cluster configuration: an
// application definition document (what can run) and a deployment
// document (which node runs what), combined into a drover.Deployment.
//
// Two application document formats are accepted: the native format
// (version, applications) and compose-style service files, which are
// detected and translated through the compose-go loader.
//
// All validation happens at parse time. A document that fails
// validation produces a *ConfigurationError and no partial result.
package config
