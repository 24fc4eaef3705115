package server

import (
	"net/http"
	"strings"
)

// flyReplayHeader asks the Fly proxy to replay the request on another
// machine. See https://fly.io/docs/networking/dynamic-request-routing/.
const flyReplayHeader = "fly-replay"

// localInstance is the instance id used outside a multi-machine deployment.
// Streams addressed to it are always served locally.
const localInstance = "local"

// instanceAffinity replays media-stream requests that belong to another
// machine. The webhook embeds the allocating machine's id in the stream
// URL; when a later WebSocket upgrade lands on a different machine, the
// proxy is told to retry it on the right one.
func (s *Server) instanceAffinity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instance, ok := streamInstance(r.URL.Path)
		if ok && instance != localInstance && instance != s.cfg.Routing.InstanceID {
			w.Header().Set(flyReplayHeader, "instance="+instance)
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// streamInstance extracts the instance id from a media-stream path of the
// form /conversation/{agentID}/media-stream/{instanceID}. This runs before
// routing, so the path is parsed by hand.
func streamInstance(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != "conversation" || parts[2] != "media-stream" {
		return "", false
	}
	if parts[1] == "" || parts[3] == "" {
		return "", false
	}
	return parts[3], true
}
