// Copyright 2024 The recordlayer Authors
// This file is part of recordlayer.
//
// recordlayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// recordlayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with recordlayer. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"go.uber.org/zap"

	"github.com/kvrecord/recordlayer/record"
)

// Option configures a RecordStore at construction time.
type Option func(*config)

type config struct {
	logger     *zap.Logger
	serializer record.Serializer
}

// WithLogger injects a structured logger; omitted, the store logs nowhere.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithSerializer overrides the default JSON record serializer.
func WithSerializer(s record.Serializer) Option {
	return func(c *config) { c.serializer = s }
}

func newConfig(opts []Option) config {
	c := config{logger: zap.NewNop(), serializer: record.NewJSONSerializer()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
