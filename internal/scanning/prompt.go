package scanning

// receiptPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptPrompt = `このレシート画像から以下の情報をJSON形式で抽出してください。

{
  "store_name": "店名",
  "date": "YYYY-MM-DD",
  "total_amount": 数値,
  "tax": 数値,
  "items": [
    { "name": "品名", "quantity": 数量, "price": 単価 }
  ],
  "payment_method": "現金 / クレジットカード / 電子マネー / QRコード決済 / 不明",
  "category": "カテゴリ（下記参照）"
}

カテゴリ判定基準（店名・品目から総合的に判断）:
- 食費: スーパー、コンビニ、飲食店、食料品
- 交通費: 鉄道、バス、タクシー、ガソリンスタンド、駐車場、高速道路
- 日用品: ドラッグストア（医薬品以外）、ホームセンター、100円ショップ、洗剤・ティッシュ等
- 医療費: 病院、薬局（処方薬）、医薬品
- 通信費: 携帯電話、インターネット、プロバイダ
- 光熱費: 電気、ガス、水道
- 交際費: 接待、贈答品、冠婚葬祭
- 衣服・美容: 衣料品店、美容院、クリーニング
- 教育・書籍: 書店、文房具、セミナー、学費
- 娯楽・趣味: 映画、ゲーム、スポーツ、旅行
- 住居費: 家賃、不動産、リフォーム
- 保険: 保険料
- 税金: 税金、公共料金
- 雑費: 上記に該当しないもの
- その他: 判断できない場合

ルール:
- 読み取れない項目は null としてください
- 金額は数値（整数または小数）で返してください（円記号やカンマは不要）
- 日付は YYYY-MM-DD 形式で返してください
- items の quantity が不明なら 1 としてください
- JSON のみ出力してください（説明文は不要）`

const ollamaSystemPrompt = "You are an expert at reading and extracting information from Japanese receipts. You must carefully read all text in images and extract accurate information."
