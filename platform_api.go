// platform_api.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/singleflight"
)

var profileFlight singleflight.Group

// getProfileInfo retrieves a user's first name from the Graph API.
// Results are cached for a day, and concurrent lookups for the same user
// collapse into one request.
func getProfileInfo(ctx context.Context, client *http.Client, cache *UserCache, userID, pageToken string) (string, error) {
	if name, found := cache.Get(userID); found {
		LogDebug("🎯 Profile cache hit for %s: %s", userID, name)
		return name, nil
	}

	result, err, _ := profileFlight.Do(userID, func() (interface{}, error) {
		apiURL := fmt.Sprintf("https://graph.facebook.com/v19.0/%s?fields=first_name,name&access_token=%s", userID, pageToken)

		req, err := http.NewRequestWithContext(ctx, "GET", apiURL, nil)
		if err != nil {
			return "", fmt.Errorf("error creating profile request: %v", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("error fetching profile: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("error reading profile response: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("profile error (status %d): %s", resp.StatusCode, string(body))
		}

		var profile FacebookProfile
		if err := json.Unmarshal(body, &profile); err != nil {
			return "", fmt.Errorf("error parsing profile: %v", err)
		}

		name := profile.FirstName
		if name == "" {
			name = profile.Name
		}
		if name != "" {
			cache.Set(userID, name)
		}
		return name, nil
	})

	if err != nil {
		return "", err
	}
	return result.(string), nil
}
