package conn

import (
	"regexp"

	"github.com/panjf2000/ants/v2"

	"github.com/eliasyaoyc/rsmqtt/broker"
	"github.com/eliasyaoyc/rsmqtt/config"
	"github.com/eliasyaoyc/rsmqtt/pkg/logger"
)

// Rewrite is a compiled config.TopicRewrite rule: the first rule whose
// Pattern matches a publish topic replaces it, per spec.md §4.E.
type Rewrite struct {
	Pattern *regexp.Regexp
	Replace string
}

// CompileRewrites compiles a config's topic-rewrite rules once at server
// startup, so the connection driver never compiles a regexp per publish.
func CompileRewrites(rules []config.TopicRewrite) ([]Rewrite, error) {
	out := make([]Rewrite, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, Rewrite{Pattern: re, Replace: r.Replace})
	}
	return out, nil
}

// Options bundles everything Serve needs for one accepted connection. The
// server package builds one Options per listener and reuses it across every
// connection accepted on it.
type Options struct {
	Mqtt     config.Mqtt
	Proxy    []config.ProxySubscription
	Rewrites []Rewrite

	Storage  *broker.Storage
	Registry Registry

	Plugins    []Plugin
	PluginPool *ants.Pool

	Logger logger.Logger
}

func (o Options) plugins() *plugins {
	return newPlugins(o.Plugins, o.PluginPool)
}
