package translation

// Partition 按缓存把待处理原文拆成“需要翻译”和“已有译文”两部分
//
// 只读缓存，不修改；toTranslate 保持 keys 的顺序。
func Partition(cache *Cache, keys []string) (toTranslate []string, cached map[string]string) {
	cached = make(map[string]string)
	for _, key := range keys {
		if cache != nil {
			if value, ok := cache.Peek(key); ok {
				cached[key] = value
				continue
			}
		}
		toTranslate = append(toTranslate, key)
	}
	return toTranslate, cached
}
