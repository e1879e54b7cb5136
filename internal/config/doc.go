// Package config provides configuration parsing for routeloader.
//
// The configuration is stored in routeloader.json next to the route file.
// This package handles loading, saving, defaulting and validating it.
//
// # Configuration File Structure
//
//	{
//	  "cache": {
//	    "staleTime": "0s",
//	    "preloadStaleTime": "30s",
//	    "gcTime": "30m",
//	    "sweepInterval": "1m"
//	  },
//	  "notFoundMode": "fuzzy",
//	  "maxRedirects": 10,
//	  "preload": {
//	    "rate": 5,
//	    "burst": 5,
//	    "concurrency": 2
//	  },
//	  "deferred": {
//	    "store": "redis",
//	    "redisUrl": "redis://localhost:6379/0",
//	    "ttl": "5m"
//	  },
//	  "server": {
//	    "addr": ":3000"
//	  }
//	}
//
// Durations are Go duration strings.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("gc after:", cfg.Cache.GCTime)
package config
