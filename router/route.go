// Copyright 2024 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

// Route is the ordered list of rule names consulted by Router.Route, plus
// the default egress returned when no rule matches.
type Route struct {
	RuleNames []string `yaml:"ruleNames,omitempty"`
	Default   string   `yaml:"default"`
}

// clone returns a deep-enough copy of route for safe storage inside Router.
func (route Route) clone() Route {
	names := append([]string(nil), route.RuleNames...)
	return Route{RuleNames: names, Default: route.Default}
}

// DefaultRoute is the route a freshly constructed Router starts with.
func DefaultRoute() Route {
	return Route{Default: "direct"}
}
