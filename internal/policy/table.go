package policy

// table maps a lower-cased architecture family to its layer classes and, for
// each class, the attribute paths of the projections whose outputs must be
// all-reduced when the layer is sharded.
var table = map[string]Policy{
	"albert": {"AlbertLayer": {".ffn_output", "attention.dense"}},
	"bart": {
		"BartEncoderLayer": {".fc2", "self_attn.out_proj"},
		"BartDecoderLayer": {".fc2", "encoder_attn.out_proj", "self_attn.out_proj"},
	},
	"beit":            {"BeitLayer": {"intermediate.dense", "output.dense", "attention.value"}},
	"bert":            {"BertLayer": {"self.value", "output.dense"}},
	"bert_generation": {"BertGenerationLayer": {"output.dense", "self.value"}},
	"big_bird":        {"BigBirdLayer": {"self.value", "output.dense"}},
	"bigbird_pegasus": {
		"BigBirdPegasusEncoderLayer": {"self_attn.output", ".fc2", "self.value"},
		"BigBirdPegasusDecoderLayer": {"self_attn.out_proj", ".fc2", "encoder_attn.out_proj"},
	},
	"blenderbot": {
		"BlenderbotEncoderLayer": {".fc2", "self_attn.out_proj"},
		"BlenderbotDecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
	},
	"blenderbot_small": {
		"BlenderbotSmallEncoderLayer": {"self_attn.out_proj", ".fc2"},
		"BlenderbotSmallDecoderLayer": {"self_attn.out_proj", ".fc2", "encoder_attn.out_proj"},
	},
	"bloom":     {"BloomBlock": {"self_attention.dense", "mlp.dense_4h_to_h"}},
	"camembert": {"CamembertLayer": {"self.value", "output.dense"}},
	"canine":    {"CanineLayer": {"output.dense", "self.value"}},
	"clip":      {"CLIPEncoderLayer": {"mlp.fc2", "self_attn.out_proj"}},
	"codegen":   {"CodeGenBlock": {"mlp.fc_out", "attn.out_proj"}},
	"conditional_detr": {
		"ConditionalDetrDecoderLayer": {"encoder_attn.out_proj", ".fc2", "self_attn.out_proj"},
		"ConditionalDetrEncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"convbert":        {"ConvBertLayer": {"output.dense", "self.conv_out_layer"}},
	"ctrl":            {"EncoderLayer": {"multi_head_attention.dense"}},
	"data2vec_audio":  {"Data2VecAudioEncoderLayer": {"feed_forward.output_dense", "attention.out_proj"}},
	"data2vec_text":   {"Data2VecTextLayer": {"self.value", "output.dense"}},
	"data2vec_vision": {"Data2VecVisionLayer": {"intermediate.dense", "attention.value", "output.dense"}},
	"deberta":         {"DebertaLayer": {"self.pos_q_proj", "output.dense"}},
	"deberta_v2":      {"DebertaV2Layer": {"self.pos_query_proj", "output.dense"}},
	"deformable_detr": {
		"DeformableDetrEncoderLayer": {"self_attn.output_proj", ".fc2"},
		"DeformableDetrDecoderLayer": {"encoder_attn.output_proj", ".fc2", "self_attn.out_proj"},
	},
	"deit": {"DeiTLayer": {"output.dense", "intermediate.dense", "attention.value"}},
	"detr": {
		"DetrEncoderLayer": {"self_attn.out_proj", ".fc2"},
		"DetrDecoderLayer": {"encoder_attn.out_proj", "self_attn.out_proj", ".fc2"},
	},
	"distilbert": {"TransformerBlock": {"attention.out_lin", "ffn.lin2"}},
	"donut_swin": {"DonutSwinLayer": {"output.dense", "intermediate.dense", "self.value"}},
	"dpt":        {"DPTViTLayer": {"output.dense", "attention.value", "intermediate.dense"}},
	"electra":    {"ElectraLayer": {"self.value", "output.dense"}},
	"ernie":      {"ErnieLayer": {"output.dense", "self.value"}},
	"esm":        {"EsmLayer": {"intermediate.dense", "self.value", "output.dense"}},
	"flava":      {"FlavaLayer": {"attention.value", "intermediate.dense", "output.dense"}},
	"fnet":       {"FNetLayer": {"output.dense"}},
	"fsmt": {
		"DecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
		"EncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"funnel":            {"FunnelLayer": {"ffn.linear_2", "attention.post_proj"}},
	"gpt_neo":           {"GPTNeoBlock": {"mlp.c_proj", "attention.out_proj"}},
	"gpt_neox":          {"GPTNeoXLayer": {"attention.dense", "mlp.dense_4h_to_h"}},
	"gpt_neox_japanese": {"GPTNeoXJapaneseLayer": {"mlp.dense_4h_to_h", "attention.dense"}},
	"gptj":              {"GPTJBlock": {"attn.out_proj", "mlp.fc_out"}},
	"groupvit": {
		"GroupViTEncoderLayer": {"mlp.fc2", "self_attn.out_proj"},
		"GroupViTStage":        {"assign.proj", "mlp.fc2", "mlp_channels.fc2", "attn.out_proj"},
	},
	"hubert": {
		"HubertEncoderLayer":                {"attention.out_proj", "feed_forward.output_dense"},
		"HubertEncoderLayerStableLayerNorm": {"attention.out_proj", "feed_forward.output_dense"},
	},
	"layoutlm":   {"LayoutLMLayer": {"self.value", "output.dense"}},
	"layoutlmv2": {"LayoutLMv2Layer": {"output.dense", "self.value"}},
	"layoutlmv3": {"LayoutLMv3Layer": {"output.dense", "self.value"}},
	"led": {
		"LEDEncoderLayer": {".fc2", "self_attn.output", "longformer_self_attn.value_global"},
		"LEDDecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
	},
	"lilt":       {"LiltLayer": {"output.dense", "layout_output.dense", "self.layout_value"}},
	"longformer": {"LongformerLayer": {"output.dense", "self.value_global"}},
	"longt5":     {"LongT5Block": {"EncDecAttention.o", "DenseReluDense.wo"}},
	"luke":       {"LukeLayer": {"self.e2e_query", "output.dense"}},
	"lxmert":     {"LxmertLayer": {"output.dense", "self.value"}},
	"m2m_100": {
		"M2M100DecoderLayer": {"self_attn.out_proj", "encoder_attn.out_proj", ".fc2"},
		"M2M100EncoderLayer": {"self_attn.out_proj", ".fc2"},
	},
	"marian": {
		"MarianDecoderLayer": {"encoder_attn.out_proj", ".fc2", "self_attn.out_proj"},
		"MarianEncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"markuplm": {"MarkupLMLayer": {"self.value", "output.dense"}},
	"maskformer": {
		"MaskFormerSwinBlock": {"output.dense", "self.value", "intermediate.dense"},
		"DetrDecoderLayer":    {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
	},
	"mbart": {
		"MBartDecoderLayer": {".fc2", "encoder_attn.out_proj", "self_attn.out_proj"},
		"MBartEncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"mctct":         {"MCTCTLayer": {"output.dense", "self.value"}},
	"megatron_bert": {"MegatronBertLayer": {"self.value", "output.dense", "intermediate.dense"}},
	"mobilebert": {
		"FFNLayer":        {"output.dense"},
		"MobileBertLayer": {"attention.dense", "output.dense", "input.dense", "bottleneck.dense"},
	},
	"mpnet": {"MPNetLayer": {"attn.o", "output.dense"}},
	"mvp": {
		"MvpEncoderLayer": {".fc2", "self_attn.out_proj"},
		"MvpDecoderLayer": {"encoder_attn.out_proj", ".fc2", "self_attn.out_proj"},
	},
	"nezha":         {"NezhaLayer": {"output.dense", "self.value"}},
	"nystromformer": {"NystromformerLayer": {"output.dense", "self.value"}},
	"opt":           {"OPTDecoderLayer": {"self_attn.out_proj", ".fc2"}},
	"owlvit":        {"OwlViTEncoderLayer": {"self_attn.out_proj", "mlp.fc2"}},
	"pegasus": {
		"PegasusDecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
		"PegasusEncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"pegasus_x": {"PegasusXDecoderLayer": {"encoder_attn.out_proj", "self_attn.out_proj", ".fc2"}},
	"plbart": {
		"PLBartDecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
		"PLBartEncoderLayer": {".fc2", "self_attn.out_proj"},
	},
	"prophetnet": {
		"ProphetNetEncoderLayer": {"feed_forward.output", "self_attn.out_proj"},
		"ProphetNetDecoderLayer": {"feed_forward.output", "self_attn.relative_pos_embeddings", "cross_attn.out_proj"},
	},
	"realm":    {"RealmLayer": {"self.value", "output.dense"}},
	"reformer": {"ReformerLayer": {"output.dense", "dense.dense", "self_attention.value"}},
	"rembert":  {"RemBertLayer": {"output.dense", "self.value"}},
	"roberta":  {"RobertaLayer": {"self.value", "output.dense"}},
	"roformer": {"RoFormerLayer": {"self.value", "output.dense"}},
	"sew":      {"SEWEncoderLayer": {"attention.out_proj", "feed_forward.output_dense"}},
	"sew_d":    {"SEWDLayer": {"self.pos_query_proj", "output.dense"}},
	"speech_to_text": {
		"Speech2TextDecoderLayer": {"encoder_attn.out_proj", "self_attn.out_proj", ".fc2"},
		"Speech2TextEncoderLayer": {"self_attn.out_proj", ".fc2"},
	},
	"speech_to_text_2": {"Speech2Text2DecoderLayer": {"encoder_attn.out_proj", ".fc2", "self_attn.out_proj"}},
	"splinter":         {"SplinterLayer": {"self.value", "output.dense"}},
	"swin":             {"SwinLayer": {"output.dense", "intermediate.dense", "self.value"}},
	"swinv2":           {"Swinv2Layer": {"intermediate.dense", "self.value", "output.dense"}},
	"t5":               {"T5Block": {"DenseReluDense.wo", "SelfAttention.o", "EncDecAttention.o"}},
	"table_transformer": {
		"TableTransformerEncoderLayer": {".fc2", "self_attn.out_proj"},
		"TableTransformerDecoderLayer": {".fc2", "self_attn.out_proj", "encoder_attn.out_proj"},
	},
	"tapas": {"TapasLayer": {"self.value", "output.dense"}},
	"time_series_transformer": {
		"TimeSeriesTransformerEncoderLayer": {".fc2", "self_attn.out_proj"},
		"TimeSeriesTransformerDecoderLayer": {".fc2", "encoder_attn.out_proj", "self_attn.out_proj"},
	},
	"trajectory_transformer": {"Block": {".l2", "attn.proj"}},
	"trocr":                  {"TrOCRDecoderLayer": {".fc2", "encoder_attn.out_proj", "self_attn.out_proj"}},
	"unispeech": {
		"UniSpeechEncoderLayer":                {"attention.out_proj", "feed_forward.output_dense"},
		"UniSpeechEncoderLayerStableLayerNorm": {"attention.out_proj", "feed_forward.output_dense"},
	},
	"unispeech_sat": {
		"UniSpeechSatEncoderLayerStableLayerNorm": {"attention.out_proj", "feed_forward.output_dense"},
		"UniSpeechSatEncoderLayer":                {"attention.out_proj", "feed_forward.output_dense"},
	},
	"videomae":    {"VideoMAELayer": {"intermediate.dense", "attention.value", "output.dense"}},
	"vilt":        {"ViltLayer": {"attention.value", "intermediate.dense", "output.dense"}},
	"visual_bert": {"VisualBertLayer": {"output.dense", "self.value"}},
	"vit":         {"ViTLayer": {"intermediate.dense", "attention.value", "output.dense"}},
	"vit_mae":     {"ViTMAELayer": {"attention.value", "intermediate.dense", "output.dense"}},
	"vit_msn":     {"ViTMSNLayer": {"intermediate.dense", "attention.value", "output.dense"}},
	"wav2vec2": {
		"Wav2Vec2EncoderLayer":                {"attention.out_proj", "feed_forward.output_dense"},
		"Wav2Vec2EncoderLayerStableLayerNorm": {"attention.out_proj", "feed_forward.output_dense"},
	},
	"wav2vec2_conformer": {"Wav2Vec2ConformerEncoderLayer": {"ffn2.output_dense", "self_attn.linear_pos", "ffn1.output_dense"}},
	"wavlm": {
		"WavLMEncoderLayer":                {"feed_forward.output_dense", "attention.gru_rel_pos_linear"},
		"WavLMEncoderLayerStableLayerNorm": {"feed_forward.output_dense", "attention.gru_rel_pos_linear"},
	},
	"whisper": {
		"WhisperDecoderLayer": {"encoder_attn.out_proj", "self_attn.out_proj", ".fc2"},
		"WhisperEncoderLayer": {"self_attn.out_proj", ".fc2"},
	},
	"x_clip": {
		"PromptGeneratorLayer":    {"cross_attn.proj"},
		"XCLIPVisionEncoderLayer": {"message_attn.out_proj", "self_attn.out_proj", "mlp.fc2", ".message_fc"},
		"XCLIPEncoderLayer":       {"self_attn.out_proj", "mlp.fc2"},
	},
	"xglm": {"XGLMDecoderLayer": {"self_attn.out_proj", "encoder_attn.out_proj", ".fc2"}},
	"xlm_prophetnet": {
		"XLMProphetNetDecoderLayer": {"cross_attn.out_proj", "feed_forward.output", "self_attn.relative_pos_embeddings"},
		"XLMProphetNetEncoderLayer": {"self_attn.out_proj", "feed_forward.output"},
	},
	"xlm_roberta":    {"XLMRobertaLayer": {"self.value", "output.dense"}},
	"xlm_roberta_xl": {"XLMRobertaXLLayer": {"self.value", "intermediate.dense", "output.dense"}},
	"xlnet":          {"XLNetLayer": {"ff.layer_2"}},
	"yolos":          {"YolosLayer": {"intermediate.dense", "output.dense", "attention.value"}},
	"yoso":           {"YosoLayer": {"self.value", "output.dense"}},
}
