package webhook

const mediaGeo = "messageMediaGeo"

// Enrich はブリッジからのWebhookペイロードに付加情報を加える。
// 位置情報メッセージの場合、raw.message.media.geo の緯度経度を
// media.latitude / longitude / lat / lng にコピーする。
// 入力のmapは変更せず、必要な場合のみmediaを差し替えたコピーを返す。
func Enrich(payload map[string]any) map[string]any {
	media, ok := payload["media"].(map[string]any)
	if !ok || media["type"] != mediaGeo {
		return payload
	}

	geo := dig(payload, "raw", "message", "media", "geo")
	if geo == nil {
		return payload
	}
	lat, hasLat := geo["lat"]
	long, hasLong := geo["long"]
	if !hasLat || !hasLong {
		return payload
	}

	enriched := make(map[string]any, len(media)+4)
	for k, v := range media {
		enriched[k] = v
	}
	enriched["latitude"] = lat
	enriched["longitude"] = long
	enriched["lat"] = lat
	enriched["lng"] = long

	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	out["media"] = enriched
	return out
}

// dig はネストしたmapをキーの順にたどる。途中で見つからなければnil。
func dig(m map[string]any, keys ...string) map[string]any {
	cur := m
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}
