// SPDX-License-Identifier: Apache-2.0

package cfg

import (
	"log"
	"reflect"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	defaultYAMLConfigurationFilePath = "/etc/h3replay/h3replay.yaml"
)

var (
	yamlConfigurationFilePathInitializer = new(sync.Once)
	yamlConfigurationFilePath            string
)

func MustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePathInitializer.Do(func() { mustInit(absoluteCfgPaths...) })
}

func mustInit(absoluteCfgPaths ...string) {
	yamlConfigurationFilePath = ""
	for _, path := range absoluteCfgPaths {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err == nil {
			yamlConfigurationFilePath = path
			break
		}
	}
	if yamlConfigurationFilePath == "" {
		if len(absoluteCfgPaths) > 0 {
			log.Printf("warn: could not find any of the provided file paths %+v, defaulting to `%v`", absoluteCfgPaths, defaultYAMLConfigurationFilePath)
		}
		yamlConfigurationFilePath = defaultYAMLConfigurationFilePath
	}
}

func MustGet[T any]() *T {
	var t T
	key := strings.Replace(reflect.TypeOf(t).PkgPath(), "github.com/replayverify/h3core/", "", 1)
	if err := viper.UnmarshalKey(key, &t); err != nil {
		log.Panic(errors.Wrapf(err, "could not deserialised `%v` yaml key `%v` into %+v", yamlConfigurationFilePath, key, t))
	}

	return &t
}

// WatchFile watches the active configuration file for changes on disk
// (e.g. an operator rewriting the qlog directory) and invokes onChange
// after every write. This is independent of viper.WatchConfig, which only
// fires callbacks registered via viper.OnConfigChange; some callers want a
// raw fsnotify.Watcher they can multiplex with other fd-based waits in
// their own select loop.
func WatchFile(onChange func(path string)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "could not create config file watcher")
	}
	if err = watcher.Add(yamlConfigurationFilePath); err != nil {
		_ = watcher.Close()

		return nil, errors.Wrapf(err, "could not watch config file `%v`", yamlConfigurationFilePath)
	}
	go func() {
		for event := range watcher.Events {
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				onChange(event.Name)
			}
		}
	}()

	return watcher, nil
}
