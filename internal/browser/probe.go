package browser

import "context"

// FirstExisting returns the first of selectors present on page. Errors on
// individual selectors (malformed queries and the like) are skipped; an
// error meaning the page is gone, or a done ctx, is returned.
func FirstExisting(ctx context.Context, page Page, selectors []string) (string, bool, error) {
	return firstMatch(ctx, selectors, page.Exists)
}

// FirstVisible is FirstExisting restricted to rendered elements.
func FirstVisible(ctx context.Context, page Page, selectors []string) (string, bool, error) {
	return firstMatch(ctx, selectors, page.Visible)
}

func firstMatch(ctx context.Context, selectors []string, check func(context.Context, string) (bool, error)) (string, bool, error) {
	for _, sel := range selectors {
		ok, err := check(ctx, sel)
		if err != nil {
			if IsSessionGone(err) || ctx.Err() != nil {
				return "", false, err
			}
			continue
		}
		if ok {
			return sel, true, nil
		}
	}
	return "", false, nil
}
