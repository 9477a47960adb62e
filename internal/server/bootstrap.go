package server

import (
	"fmt"
	"net/url"

	"github.com/any-hub/dict-hub/internal/config"
	"github.com/any-hub/dict-hub/internal/dictionary"
)

// isolationKeyForSite 把站点配置换算为字典分区键。
func isolationKeyForSite(site config.SiteConfig) (dictionary.IsolationKey, error) {
	frame, err := url.Parse(site.FrameOrigin())
	if err != nil {
		return dictionary.IsolationKey{}, fmt.Errorf("site %s: %w", site.Name, err)
	}
	topRaw := site.TopFrameSite
	if topRaw == "" {
		topRaw = site.FrameOrigin()
	}
	top, err := url.Parse(topRaw)
	if err != nil {
		return dictionary.IsolationKey{}, fmt.Errorf("site %s: invalid top frame site: %w", site.Name, err)
	}
	key := dictionary.IsolationKey{
		FrameOrigin:  dictionary.Origin(frame),
		TopFrameSite: dictionary.Origin(top),
	}
	if key.FrameOrigin == "" || key.TopFrameSite == "" {
		return dictionary.IsolationKey{}, fmt.Errorf("site %s: empty isolation key", site.Name)
	}
	return key, nil
}
