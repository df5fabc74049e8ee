package hubcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(testConfig(t).Rules)

	cases := []struct {
		name string
		req  Request
		want Route
	}{
		{"extension scheme", mkReq("GET", "chrome-extension://abcdef/content.js"), Route{Ignore: true}},
		{"data scheme", mkReq("GET", "data:text/plain,hi"), Route{Ignore: true}},
		{"mutation", mkReq("POST", "/api/v1/medical/injuries"), Route{Mutation: true}},
		{"delete is a mutation", mkReq("DELETE", "/api/v1/notes/3"), Route{Mutation: true}},
		{"head passes through", mkReq("HEAD", "/api/v1/players"), Route{Bypass: true}},
		{"options passes through", mkReq("OPTIONS", "/api/v1/players"), Route{Bypass: true}},
		{"auth bypass", mkReq("GET", "/api/auth/me"), Route{Bypass: true}},
		{"auth mutation bypass", mkReq("POST", "/api/auth/login"), Route{Bypass: true}},
		{"workout by id", mkReq("GET", "/api/v1/training/workouts/42"), Route{Category: CategoryWorkouts, Strategy: StrategyCacheFirst}},
		{"session by id", mkReq("GET", "/api/sessions/7"), Route{Category: CategoryWorkouts, Strategy: StrategyCacheFirst}},
		{"template by id", mkReq("GET", "/api/v1/training/templates/3"), Route{Category: CategoryTemplates, Strategy: StrategyCacheFirst}},
		{"template list is api", mkReq("GET", "/api/v1/training/templates"), Route{Category: CategoryAPI, Strategy: StrategyNetworkFirst}},
		{"api", mkReq("GET", "/api/v1/players?team=4"), Route{Category: CategoryAPI, Strategy: StrategyNetworkFirst}},
		{"image by dest", mkReq("GET", "/avatar/12", "Sec-Fetch-Dest", "image"), Route{Category: CategoryImages, Strategy: StrategyCacheFirst}},
		{"image by extension", mkReq("GET", "/img/logo.PNG"), Route{Category: CategoryImages, Strategy: StrategyCacheFirst}},
		{"navigation", mkReq("GET", "/coach/dashboard", "Accept", "text/html,application/xhtml+xml"), Route{Category: CategoryDynamic, Strategy: StrategyNetworkFirstOffline}},
		{"fallthrough", mkReq("GET", "/static/js/main.1a2b.js"), Route{Category: CategoryStatic, Strategy: StrategyCacheFirst}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.req))
		})
	}
}

func TestClassify_BypassWhenCookies(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: http://a
rules:
  - match: PathPrefix(/api/)
    priority: 1
    category: api
    strategy: network-first
    bypassWhenCookies: ["impersonate"]
`))
	if !assert.NoError(t, err) {
		return
	}
	c := NewClassifier(cfg.Rules)

	assert.Equal(t, Route{Category: CategoryAPI, Strategy: StrategyNetworkFirst}, c.Classify(mkReq("GET", "/api/x", "Cookie", "session=1")))
	assert.Equal(t, Route{Bypass: true}, c.Classify(mkReq("GET", "/api/x", "Cookie", "session=1; impersonate=7")))
}
