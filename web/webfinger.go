package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lowfreq/tremolo/federation"
	"github.com/lowfreq/tremolo/util"
)

// handleWebfinger resolves acct: resources for actors hosted here,
// including the per-feed channel actors.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		notFoundJSON(c)
		return
	}
	handle := strings.TrimPrefix(resource, "acct:")
	username, domainName, found := strings.Cut(handle, "@")
	if !found || !strings.EqualFold(domainName, s.Conf.Conf.SslDomain) {
		notFoundJSON(c)
		return
	}

	actor, err := s.DB.ReadLocalActorByUsername(username)
	if err != nil {
		notFoundJSON(c)
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", actor.PreferredUsername, s.Conf.Conf.SslDomain),
		"aliases": []string{actor.Fid},
		"links": []gin.H{
			{
				"rel":  "self",
				"type": federation.ContentType,
				"href": actor.Fid,
			},
		},
	})
}

// handleNodeinfoIndex serves the well-known document pointing at the
// nodeinfo schema endpoint.
func (s *Server) handleNodeinfoIndex(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": fmt.Sprintf("https://%s/nodeinfo/2.0", s.Conf.Conf.SslDomain),
			},
		},
	})
}

func (s *Server) handleNodeinfo(c *gin.Context) {
	users, err := s.DB.ReadLocalActorCount()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"software": gin.H{
			"name":    "tremolo",
			"version": util.GetVersion(),
		},
		"protocols":         []string{"activitypub"},
		"services":          gin.H{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": !s.Conf.Conf.Closed,
		"usage": gin.H{
			"users": gin.H{"total": users},
		},
		"metadata": gin.H{
			"nodeName": s.Conf.Conf.SslDomain,
		},
	})
}
