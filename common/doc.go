// Package common provides shared constants, sentinel errors, paths and the
// leveled logger used throughout vpnd.
//
//   - Constants: default paths, environment variable names and timeouts
//   - Errors: sentinel errors for consistent handling across packages
//   - Logger: leveled logging to stdout and a rotated file, with named
//     child loggers for components
//
// # Usage
//
//	common.LogInfo("Starting %s", common.AppName)
//
//	log := common.GetLogger().Named("dns")
//	log.Warn("probe failed: %v", err)
package common
