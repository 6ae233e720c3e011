// Package pkg provides the core libraries of cipm, a lockfile-driven
// installer for Node.js projects.
//
// # Overview
//
// cipm reproduces the exact node_modules tree a lockfile describes. The pkg
// directory is organized into three areas:
//
//  1. Install core: [manifest], [plan], [extract], [lifecycle] and the
//     [install] orchestrator that sequences them
//  2. Infrastructure: [cache] (content store), [history] (run records),
//     [config], [observability]
//  3. Shared: [errors] (coded errors and validation), [buildinfo]
//
// # Architecture
//
// The data flow of one install:
//
//	package.json + package-lock.json
//	         ↓
//	    [manifest] package (decode documents)
//	         ↓
//	    [plan] package (validate and place every package)
//	         ↓
//	    [extract] package (fetch tarballs from [cache], unpack in parallel)
//	         ↓
//	    [lifecycle] package (run scripts, dependencies first)
//	         ↓
//	    populated node_modules + [history] record
//
// # Quick Start
//
//	c, _ := cache.NewFileCache(dir)
//	inst, err := install.New(install.Options{
//	    Prefix:  ".",
//	    Fetcher: extract.NewCacheFetcher(c, nil),
//	})
//	if err != nil {
//	    return err
//	}
//	summary, err := inst.Run(ctx)
package pkg
