package inference

import (
	"sort"
	"strings"
)

// DefaultModel 未指定模型时使用
const DefaultModel = "skin_cancer"

// ModelInfo 可用分类模型
type ModelInfo struct {
	Key         string   `json:"key"`
	Classes     []string `json:"classes"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description"`
}

var registry = map[string]ModelInfo{
	"breast_cancer": {
		Key:         "breast_cancer",
		Classes:     []string{"Healthy", "Sick"},
		DisplayName: "Breast Cancer Detection",
		Description: "Detects potential breast cancer from histopathology images",
	},
	"covid19": {
		Key:         "covid19",
		Classes:     []string{"COVID", "Lung_Opacity", "Normal", "Viral Pneumonia"},
		DisplayName: "COVID-19 Analysis",
		Description: "Analyzes chest X-rays for COVID-19 and other lung conditions",
	},
	"malaria": {
		Key:         "malaria",
		Classes:     []string{"Parasitized", "Uninfected"},
		DisplayName: "Malaria Detection",
		Description: "Identifies malaria parasites in blood smear images",
	},
	"pneumonia": {
		Key:         "pneumonia",
		Classes:     []string{"NORMAL", "PNEUMONIA"},
		DisplayName: "Pneumonia Detection",
		Description: "Detects pneumonia in chest X-ray images",
	},
	"skin_cancer": {
		Key:         "skin_cancer",
		Classes:     []string{"benign", "malignant"},
		DisplayName: "Skin Cancer Classification",
		Description: "Classifies skin lesions as benign or malignant",
	},
	"tuberculosis": {
		Key:         "tuberculosis",
		Classes:     []string{"Normal", "Tuberculosis"},
		DisplayName: "Tuberculosis Screening",
		Description: "Screens chest X-rays for signs of tuberculosis",
	},
}

// LookupModel 按键查询模型
func LookupModel(key string) (ModelInfo, bool) {
	m, ok := registry[key]
	if !ok {
		return ModelInfo{}, false
	}
	m.Classes = append([]string(nil), m.Classes...)
	return m, true
}

// Models 全部模型，按键排序
func Models() []ModelInfo {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ModelInfo, 0, len(keys))
	for _, k := range keys {
		m, _ := LookupModel(k)
		out = append(out, m)
	}
	return out
}

// ModelRecommendation 分诊结果中推荐的模型
type ModelRecommendation struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RecommendModels 返回分析文本中提及的模型；均未提及时返回前三个模型
func RecommendModels(analysis string) []ModelRecommendation {
	all := Models()
	out := make([]ModelRecommendation, 0, len(all))
	for _, m := range all {
		if strings.Contains(analysis, m.DisplayName) {
			out = append(out, recommendation(m))
		}
	}
	if len(out) > 0 {
		return out
	}
	for i := 0; i < len(all) && i < 3; i++ {
		out = append(out, recommendation(all[i]))
	}
	return out
}

func recommendation(m ModelInfo) ModelRecommendation {
	return ModelRecommendation{Key: m.Key, Name: m.DisplayName, Description: m.Description}
}
