// Package category holds the closed set of expense categories and the
// keyword fallback used when the vision model leaves a receipt unclassified.
package category

import "strings"

// Uncategorized labels receipts without a category in summaries.
const Uncategorized = "未分類"

type rule struct {
	name     string
	keywords []string
}

// rules is the closed category enumeration. Order matters: it is the order
// shown to the model and the tie-breaker for Infer.
var rules = []rule{
	{"食費", []string{"おにぎり", "弁当", "パン", "サンドイッチ", "牛乳", "ヨーグルト", "茶", "コーヒー", "ジュース", "ミネラルウォーター", "米", "肉", "魚", "野菜", "果物", "卵", "菓子", "ラーメン", "定食"}},
	{"交通費", []string{"タクシー", "電車", "鉄道", "乗車券", "定期券", "運賃", "ガソリン", "駐車", "高速道路", "JR"}},
	{"日用品", []string{"洗剤", "ティッシュ", "トイレットペーパー", "シャンプー", "歯ブラシ", "石鹸", "ゴミ袋", "タオル", "電池", "ラップ"}},
	{"医療費", []string{"診察", "処方", "薬", "病院", "医院", "歯科", "湿布"}},
	{"通信費", []string{"携帯", "スマホ", "通信料", "インターネット", "プロバイダ"}},
	{"光熱費", []string{"電気料金", "ガス料金", "水道"}},
	{"交際費", []string{"贈答", "ギフト", "祝儀", "香典", "接待"}},
	{"衣服・美容", []string{"衣料", "シャツ", "ズボン", "靴", "カット", "美容", "クリーニング", "化粧"}},
	{"教育・書籍", []string{"書籍", "文庫", "新書", "雑誌", "ノート", "ボールペン", "文具", "参考書", "教材", "受講"}},
	{"娯楽・趣味", []string{"映画", "チケット", "ゲーム", "入場", "カラオケ", "ジム"}},
	{"住居費", []string{"家賃", "管理費", "更新料", "修繕"}},
	{"保険", []string{"保険"}},
	{"税金", []string{"住民税", "固定資産税", "自動車税", "印紙"}},
	{"雑費", nil},
	{"その他", nil},
}

// All returns the category names in declared order.
func All() []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.name
	}
	return names
}

// Valid reports whether name is one of the closed categories.
func Valid(name string) bool {
	for _, r := range rules {
		if r.name == name {
			return true
		}
	}
	return false
}

// Infer picks a category from line item names. Each item votes at most once
// per category; the highest count wins and ties go to the category declared
// first. It returns false when no item matches any keyword.
func Infer(itemNames []string) (string, bool) {
	votes := make([]int, len(rules))
	for _, name := range itemNames {
		if name == "" {
			continue
		}
		for i, r := range rules {
			for _, kw := range r.keywords {
				if strings.Contains(name, kw) {
					votes[i]++
					break
				}
			}
		}
	}

	best := -1
	for i, n := range votes {
		if n > 0 && (best < 0 || n > votes[best]) {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return rules[best].name, true
}
