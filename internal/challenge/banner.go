package challenge

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/browser"
)

// DefaultBannerMessage is shown over a challenge page.
const DefaultBannerMessage = "Verification required. Complete the check in this window; capture resumes automatically."

// bannerTimeout bounds the banner injection so it can never hold up polling.
const bannerTimeout = 5 * time.Second

// Banner tells a human operator that a challenge awaits them. It is
// cosmetic: failures are logged and never affect resolution.
type Banner interface {
	Show(ctx context.Context, page browser.Page)
}

// NopBanner shows nothing.
type NopBanner struct{}

func (NopBanner) Show(context.Context, browser.Page) {}

const overlayScript = `(() => {
  if (document.getElementById('captcha-overlay')) return true;
  const overlay = document.createElement('div');
  overlay.id = 'captcha-overlay';
  overlay.style.cssText = 'position:fixed;top:0;left:0;width:100%%;height:100%%;background:rgba(0,0,0,0.35);z-index:2147483646;pointer-events:none;';
  const box = document.createElement('div');
  box.id = 'captcha-overlay-message';
  box.style.cssText = 'position:fixed;top:16px;left:50%%;transform:translateX(-50%%);max-width:560px;padding:14px 20px;background:#fff;color:#191919;border:2px solid #0a66c2;border-radius:8px;font:600 15px/1.4 sans-serif;box-shadow:0 4px 18px rgba(0,0,0,0.3);z-index:2147483647;';
  box.textContent = %s;
  (document.body || document.documentElement).appendChild(overlay);
  (document.body || document.documentElement).appendChild(box);
  return true;
})()`

// OverlayBanner dims the page and pins a message box to the top.
type OverlayBanner struct {
	Message string
	Logger  *zap.Logger
}

func (b OverlayBanner) Show(ctx context.Context, page browser.Page) {
	msg := b.Message
	if msg == "" {
		msg = DefaultBannerMessage
	}
	quoted, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, bannerTimeout)
	defer cancel()
	var shown bool
	if err := page.Evaluate(ctx, fmt.Sprintf(overlayScript, quoted), &shown); err != nil && b.Logger != nil {
		b.Logger.Debug("Could not show operator banner", zap.Error(err))
	}
}
