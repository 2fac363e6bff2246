// Package service is the long-lived owner of everything invocations share.
//
// Overview
// A Service is built from model.Config. It owns the ssh connection pool, the
// per host locks, the data references and the run registry, and it injects
// them into every invocation it drives. Nothing of this is process global, a
// test builds its own Service.
//
// Data flow:
//
//	Service.Run(Job)
//	    |
//	    |-- invoke.New ------------> working directory on the node
//	    |-- RememberRun -----------> registry (+ sqlite journal)
//	    |-- SetInput/SetStdin -----> staged through the pool
//	    |-- Submit ----------------> exec channel, results
//	    |
//	Service.DeleteRun(runID) -----> registry.DeleteRun -> Service.Delete
//
// Remote results which stayed on a node are read back through
// Service.OpenLocator, installed as the locator opener of the reference
// store.
//
// The registry is persisted on Close and, when state.persist is configured,
// periodically by a gocron scheduler started by Start.
package service
