// Package all imports all the backends
package all

import (
	// Active backends
	_ "github.com/yakongxing/cloudpaste/backend/discord"
	_ "github.com/yakongxing/cloudpaste/backend/github"
	_ "github.com/yakongxing/cloudpaste/backend/hfhub"
	_ "github.com/yakongxing/cloudpaste/backend/httpdir"
	_ "github.com/yakongxing/cloudpaste/backend/webdav"
)
