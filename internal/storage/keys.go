package storage

import "fmt"

// Object layout, one tree per user:
//
//	users/{userID}/assets/{assetID}/source{ext}
//	users/{userID}/frames/{assetID}/frame_0001.jpg
//	users/{userID}/prepared/{assetID}/frame_0001.jpg

func SourceKey(userID, assetID, ext string) string {
	return fmt.Sprintf("users/%s/assets/%s/source%s", userID, assetID, ext)
}

func FrameKey(userID, assetID string, frameIndex int) string {
	return fmt.Sprintf("%sframe_%04d.jpg", FramePrefix(userID, assetID), frameIndex)
}

func FramePrefix(userID, assetID string) string {
	return fmt.Sprintf("users/%s/frames/%s/", userID, assetID)
}

func PreparedKey(userID, assetID string, frameIndex int) string {
	return fmt.Sprintf("users/%s/prepared/%s/frame_%04d.jpg", userID, assetID, frameIndex)
}

func PreparedImageKey(userID, assetID string) string {
	return fmt.Sprintf("users/%s/prepared/%s/source.jpg", userID, assetID)
}
